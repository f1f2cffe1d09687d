// Package errors provides structured error handling with machine-readable codes.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Invariant violations (programming/data defects, never user-facing as-is)
	CodeInvariantViolation      Code = "INVARIANT_VIOLATION"
	CodeQuoteImmutable          Code = "QUOTE_IMMUTABLE"
	CodeQuoteVersionInvalid     Code = "QUOTE_VERSION_INVALID"
	CodeLinePriceAlreadyWritten Code = "LINE_PRICE_ALREADY_WRITTEN"
	CodeReferenceDataImmutable  Code = "REFERENCE_DATA_IMMUTABLE"
	CodeVolumeTierGap           Code = "VOLUME_TIER_GAP"
	CodeVolumeTierOverlap       Code = "VOLUME_TIER_OVERLAP"
	CodeVolumeTierNotMonotonic  Code = "VOLUME_TIER_NOT_MONOTONIC"
	CodeBundleComponentsInvalid Code = "BUNDLE_COMPONENTS_INVALID"
	CodeAuditChainBroken        Code = "AUDIT_CHAIN_BROKEN"
	CodeAuditSignatureInvalid   Code = "AUDIT_SIGNATURE_INVALID"

	// Domain field validation
	CodeQuoteIDRequired       Code = "QUOTE_ID_REQUIRED"
	CodeQuoteCurrencyRequired Code = "QUOTE_CURRENCY_REQUIRED"
	CodeQuoteAccountRequired  Code = "QUOTE_ACCOUNT_REQUIRED"
	CodeQuoteTermInvalid      Code = "QUOTE_TERM_INVALID"
	CodeLineProductRequired   Code = "LINE_PRODUCT_REQUIRED"
	CodeLineQuantityInvalid   Code = "LINE_QUANTITY_INVALID"
	CodeLineDiscountInvalid   Code = "LINE_DISCOUNT_INVALID"
	CodeProductIDRequired     Code = "PRODUCT_ID_REQUIRED"
	CodePriceBookIDRequired   Code = "PRICE_BOOK_ID_REQUIRED"
	CodeApproverRoleRequired  Code = "APPROVER_ROLE_REQUIRED"
	CodeActorRequired         Code = "ACTOR_REQUIRED"

	// Configuration (constraint) outcomes
	CodeConfigurationInvalid Code = "CONFIGURATION_INVALID"
	CodeConstraintMalformed  Code = "CONSTRAINT_RULE_MALFORMED"

	// Pricing failures (fail closed)
	CodePricingDataMissing     Code = "PRICING_DATA_MISSING"
	CodeNoApplicablePriceBook  Code = "NO_APPLICABLE_PRICE_BOOK"
	CodePriceBookEntryMissing  Code = "PRICE_BOOK_ENTRY_MISSING"
	CodeVolumeTierMissing      Code = "VOLUME_TIER_MISSING"
	CodeFormulaInvalid         Code = "PRICING_FORMULA_INVALID"
	CodeFormulaVariableMissing Code = "PRICING_FORMULA_VARIABLE_MISSING"
	CodeQuoteNotPriced         Code = "QUOTE_NOT_PRICED"

	// Policy evaluation
	CodePolicyDataMalformed Code = "POLICY_DATA_MALFORMED"

	// Flow and concurrency
	CodeTransitionIllegal   Code = "TRANSITION_ILLEGAL"
	CodeMissingFields       Code = "MISSING_REQUIRED_FIELDS"
	CodeVersionConflict     Code = "VERSION_CONFLICT"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_KEY_CONFLICT"

	// Approvals
	CodeApprovalNotPending      Code = "APPROVAL_NOT_PENDING"
	CodeApprovalDecisionInvalid Code = "APPROVAL_DECISION_INVALID"

	// Storage
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes for the API surface.
func (c Code) HTTPStatus() int {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeQuoteIDRequired,
		CodeQuoteCurrencyRequired,
		CodeQuoteAccountRequired,
		CodeQuoteTermInvalid,
		CodeLineProductRequired,
		CodeLineQuantityInvalid,
		CodeLineDiscountInvalid,
		CodeProductIDRequired,
		CodePriceBookIDRequired,
		CodeApproverRoleRequired,
		CodeActorRequired,
		CodeApprovalDecisionInvalid:
		return http.StatusBadRequest

	// Unprocessable - business rules rejected the request
	case CodeConfigurationInvalid,
		CodePricingDataMissing,
		CodeNoApplicablePriceBook,
		CodePriceBookEntryMissing,
		CodeVolumeTierMissing,
		CodeFormulaInvalid,
		CodeFormulaVariableMissing,
		CodeQuoteNotPriced,
		CodeMissingFields:
		return http.StatusUnprocessableEntity

	// Conflict - state does not allow the operation
	case CodeTransitionIllegal,
		CodeVersionConflict,
		CodeIdempotencyConflict,
		CodeQuoteImmutable,
		CodeReferenceDataImmutable,
		CodeApprovalNotPending:
		return http.StatusConflict

	case CodeNotFound:
		return http.StatusNotFound

	// Operator-facing data defects and invariant violations
	case CodeInvariantViolation,
		CodeConstraintMalformed,
		CodePolicyDataMalformed,
		CodeVolumeTierGap,
		CodeVolumeTierOverlap,
		CodeVolumeTierNotMonotonic,
		CodeBundleComponentsInvalid,
		CodeAuditChainBroken,
		CodeAuditSignatureInvalid,
		CodeQuoteVersionInvalid,
		CodeLinePriceAlreadyWritten:
		return http.StatusInternalServerError

	default:
		return http.StatusInternalServerError
	}
}

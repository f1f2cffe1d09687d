// Package domain defines the typed CPQ entities (quotes, lines, catalog
// reference data, rules, policies, approvals, snapshots) together with the
// invariant-enforcing constructors and mutators that guard them.
//
// The package performs no I/O. All monetary values are exact decimals;
// rounding happens once, at the per-line subtotal boundary, using bankers'
// rounding. Lifecycle status changes are owned by the flow package and are
// rejected here when attempted directly against immutable quotes.
package domain

// Package flow implements the quote lifecycle state machine.
//
// Apply is a pure function: it performs no I/O and returns the next status
// together with a description of the effects the orchestrator must execute
// and commit atomically with the new state. Branch decisions that depend on
// evaluation results (policy outcome, approval decisions, missing fields)
// read them from the event context supplied by the orchestrator, so replaying
// an identical ordered event log always yields the identical final state.
package flow

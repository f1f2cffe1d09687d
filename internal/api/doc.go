// Package api contains transport-facing service implementations.
//
// The httpapi subpackage exposes the quote lifecycle over HTTP: quote CRUD
// while drafting, the single event-application endpoint the engine sits
// behind, read models for snapshots, the audit journal, and approvals, and
// admin writes for catalog reference data.
//
// Transport packages translate between wire requests and engine commands.
// They never implement lifecycle or pricing rules themselves; every state
// change funnels through the engine so the audit journal stays complete.
package api

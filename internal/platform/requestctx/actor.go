// Package requestctx carries the authenticated actor through request
// contexts so lower layers can attribute writes without seeing transport
// types.
package requestctx

import "context"

type actorContextKey struct{}

// Actor identifies who is driving a request. Type mirrors the audit journal
// actor taxonomy (system, rep, approver).
type Actor struct {
	ID   string
	Type string
	Role string
}

// WithActor stores the request actor in context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor stored in context, zero when absent.
func ActorFromContext(ctx context.Context) Actor {
	if ctx == nil {
		return Actor{}
	}
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}

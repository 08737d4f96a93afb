package shared

import (
	"context"

	"github.com/google/uuid"
)

// RequestContext carries the caller identity and request provenance that
// postings and audit records are attributed to.
type RequestContext struct {
	TenantID     uuid.UUID
	ActorPartyID *uuid.UUID
	ActorRole    string
	RequestID    string
	IPAddress    string
	UserAgent    string
}

type requestContextKey struct{}

// ContextWithRequest stores the request context in ctx.
func ContextWithRequest(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestFromContext extracts the request context. The boolean is false when
// none was attached.
func RequestFromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}

package context

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "obs_request_id"
	orgIDKey     ctxKey = "obs_org_id"
	actorTypeKey ctxKey = "obs_actor_type"
	actorIDKey   ctxKey = "obs_actor_id"
	providerKey  ctxKey = "obs_provider"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithOrgID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, orgIDKey, strings.TrimSpace(orgID))
}

func OrgIDFromContext(ctx context.Context) string {
	return stringValue(ctx, orgIDKey)
}

// WithActor records who triggered the work, e.g. ("admin", "ops@acme") or
// ("dispatcher", "<claimant>").
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, strings.TrimSpace(actorType))
	return context.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringValue(ctx, actorTypeKey), stringValue(ctx, actorIDKey)
}

// WithProvider tags the context with the webhook provider being handled.
func WithProvider(ctx context.Context, provider string) context.Context {
	return context.WithValue(ctx, providerKey, strings.TrimSpace(provider))
}

func ProviderFromContext(ctx context.Context) string {
	return stringValue(ctx, providerKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

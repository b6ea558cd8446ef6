package crudkit

import (
	"context"
)

// Context keys for CrudKit values.
type contextKey string

const (
	contextKeyCaller    contextKey = "crudkit:caller_id"
	contextKeyTenant    contextKey = "crudkit:tenant_id"
	contextKeyIPAddress contextKey = "crudkit:ip_address"
	contextKeyUserAgent contextKey = "crudkit:user_agent"
	contextKeyRequestID contextKey = "crudkit:request_id"
)

// WithCaller adds the caller identity to the context. This is the user the
// engine authorizes and redacts for.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, contextKeyCaller, callerID)
}

// CallerFrom retrieves the caller identity from context.
// Returns empty string if not set (an anonymous request).
func CallerFrom(ctx context.Context) string {
	if v := ctx.Value(contextKeyCaller); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithTenant adds the current tenant to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, contextKeyTenant, tenantID)
}

// TenantFrom retrieves the current tenant from context.
// Returns empty string if not set.
func TenantFrom(ctx context.Context) string {
	if v := ctx.Value(contextKeyTenant); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithIPAddress adds the client IP address to the context (for audit).
func WithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, contextKeyIPAddress, ip)
}

// IPAddressFrom retrieves the IP address from context.
func IPAddressFrom(ctx context.Context) string {
	if v := ctx.Value(contextKeyIPAddress); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithUserAgent adds the user agent to the context (for audit).
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, contextKeyUserAgent, ua)
}

// UserAgentFrom retrieves the user agent from context.
func UserAgentFrom(ctx context.Context) string {
	if v := ctx.Value(contextKeyUserAgent); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context (for audit and
// correlation).
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// RequestIDFrom retrieves the request ID from context.
func RequestIDFrom(ctx context.Context) string {
	if v := ctx.Value(contextKeyRequestID); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Identity is the caller/tenant pair an operation runs as.
type Identity struct {
	CallerID string
	TenantID string
}

// ContextIdentity is the default IdentityProvider: it reads the caller and
// tenant that WithCaller/WithTenant placed in the request context.
type ContextIdentity struct{}

// CurrentCaller returns the caller identity from context, or "" when the
// request is anonymous.
func (ContextIdentity) CurrentCaller(ctx context.Context) string {
	return CallerFrom(ctx)
}

// CurrentTenant returns the current tenant from context, or "".
func (ContextIdentity) CurrentTenant(ctx context.Context) string {
	return TenantFrom(ctx)
}

// AuditMetadata holds request metadata recorded alongside writes.
type AuditMetadata struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// AuditMetadataFrom extracts audit metadata from context.
func AuditMetadataFrom(ctx context.Context) AuditMetadata {
	return AuditMetadata{
		IPAddress: IPAddressFrom(ctx),
		UserAgent: UserAgentFrom(ctx),
		RequestID: RequestIDFrom(ctx),
	}
}

package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	// IngestKeyContextKey stores the validated ingest key in request context.
	IngestKeyContextKey contextKey = "ingest_key"
	// OrganizationContextKey stores the authenticated organization ID in request context.
	OrganizationContextKey contextKey = "organization_id"
)

// AuthMiddleware validates ingest keys on the HTTP bridge and management
// API. A per-key cache avoids re-deriving the organization on every
// request for high-volume push collectors.
type AuthMiddleware struct {
	logger    zerolog.Logger
	cache     sync.Map // ingest key -> *cachedAuth
	cacheTTL  time.Duration
	headerKey string
}

type cachedAuth struct {
	organizationID string
	expiresAt      time.Time
}

// NewAuthMiddleware creates a new authentication middleware.
func NewAuthMiddleware(logger zerolog.Logger, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "X-Ingest-Key"
	}
	return &AuthMiddleware{
		logger:    logger,
		cacheTTL:  5 * time.Minute,
		headerKey: headerKey,
	}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(am.headerKey)
		if authHeader == "" {
			http.Error(w, `{"error":"missing authentication","message":"ingest key header required"}`, http.StatusUnauthorized)
			return
		}

		ingestKey := authHeader
		if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			ingestKey = authHeader[7:]
		}

		if ingestKey == "" {
			http.Error(w, `{"error":"invalid authentication","message":"ingest key cannot be empty"}`, http.StatusUnauthorized)
			return
		}

		if cached, ok := am.cache.Load(ingestKey); ok {
			ca := cached.(*cachedAuth)
			if time.Now().Before(ca.expiresAt) {
				ctx := context.WithValue(r.Context(), IngestKeyContextKey, ingestKey)
				ctx = context.WithValue(ctx, OrganizationContextKey, ca.organizationID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			am.cache.Delete(ingestKey)
		}

		// Key-to-organization resolution is deployment-specific (static
		// config, a control-plane lookup, or a managed identity provider).
		// Pass the key downstream unresolved; collectors stamp
		// Metadata.OrganizationID explicitly when they already know it.
		ctx := context.WithValue(r.Context(), IngestKeyContextKey, ingestKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CacheValidation stores a validated key's organization in the local cache.
func (am *AuthMiddleware) CacheValidation(ingestKey, organizationID string) {
	am.cache.Store(ingestKey, &cachedAuth{
		organizationID: organizationID,
		expiresAt:      time.Now().Add(am.cacheTTL),
	})
}

// GetIngestKey extracts the ingest key from the request context.
func GetIngestKey(ctx context.Context) string {
	if v, ok := ctx.Value(IngestKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// GetOrganizationID extracts the organization ID from the request context.
func GetOrganizationID(ctx context.Context) string {
	if v, ok := ctx.Value(OrganizationContextKey).(string); ok {
		return v
	}
	return ""
}

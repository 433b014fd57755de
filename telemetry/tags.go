// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// storeKey is the context key for propagating the store name to background work.
	storeKey contextKey = "store"
)

// LookupResult represents the outcome of a keyed read.
type LookupResult string

const (
	LookupHit  LookupResult = "hit"
	LookupMiss LookupResult = "miss"
	LookupNA   LookupResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Store    string
	Result   LookupResult
	Endpoint string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Result: LookupNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetLookupResult sets the lookup result for logging.
func SetLookupResult(r *http.Request, result LookupResult) {
	if tags := GetTags(r); tags != nil {
		tags.Result = result
	}
}

// SetStore sets the store tag for metrics and logging.
func SetStore(r *http.Request, store string) {
	if tags := GetTags(r); tags != nil {
		tags.Store = store
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// StoreFromContext retrieves the store name from a context.
// It checks both background contexts (set by WithStoreContext) and
// request contexts (set by SetStore via InjectTags).
func StoreFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(storeKey).(string); ok && s != "" {
		return s
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Store
	}
	return ""
}

// WithStoreContext returns a context with the store name stored.
// Use this to propagate the store into work that outlives the request context.
func WithStoreContext(ctx context.Context, store string) context.Context {
	return context.WithValue(ctx, storeKey, store)
}

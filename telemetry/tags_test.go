package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsResultToNA(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, LookupNA, tags.Result)
	require.Empty(t, tags.Store)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetStore_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetStore(r, "retained") // should not panic
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetStore(r, "retained")
	SetLookupResult(r, LookupMiss)
	SetEndpoint(r, "topic")

	require.Equal(t, "retained", tags.Store)
	require.Equal(t, LookupMiss, tags.Result)
	require.Equal(t, "topic", tags.Endpoint)
}

func TestStoreFromContext(t *testing.T) {
	require.Empty(t, StoreFromContext(context.Background()))

	ctx := WithStoreContext(context.Background(), "retained")
	require.Equal(t, "retained", StoreFromContext(ctx))

	r := newTaggedRequest()
	SetStore(r, "sessions")
	require.Equal(t, "sessions", StoreFromContext(r.Context()))
}

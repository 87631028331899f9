package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeFlipsReachable(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(Config{})
	r.Register("scan-worker", srv.URL)

	assert.True(t, r.Probe(context.Background(), "scan-worker"))
	ep, ok := r.Lookup("scan-worker")
	require.True(t, ok)
	assert.True(t, ep.Reachable)
	assert.False(t, ep.LastProbedAt.IsZero())

	healthy.Store(false)
	assert.False(t, r.Probe(context.Background(), "scan-worker"))
	ep, _ = r.Lookup("scan-worker")
	assert.False(t, ep.Reachable)
}

func TestProbeSkipsUnconfigured(t *testing.T) {
	r := New(Config{})
	r.Register("vector-index", "")

	assert.False(t, r.Probe(context.Background(), "vector-index"))
	ep, ok := r.Lookup("vector-index")
	require.True(t, ok)
	assert.False(t, ep.Configured)
	assert.False(t, ep.Reachable)
	assert.True(t, ep.LastProbedAt.IsZero())
}

func TestProbeUnknownEndpoint(t *testing.T) {
	r := New(Config{})
	assert.False(t, r.Probe(context.Background(), "nope"))
}

func TestProbeUnreachableHost(t *testing.T) {
	r := New(Config{ProbeTimeout: 200 * time.Millisecond})
	// Reserved TEST-NET address, nothing listens there.
	r.Register("ai-core", "http://192.0.2.1:9")
	assert.False(t, r.Probe(context.Background(), "ai-core"))
}

func TestSnapshotPreservesRegistrationOrder(t *testing.T) {
	r := New(Config{})
	r.Register("ai-core", "http://localhost:3000")
	r.Register("scan-worker", "http://localhost:4000")
	r.Register("vector-index", "")

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "ai-core", snap[0].Name)
	assert.Equal(t, "scan-worker", snap[1].Name)
	assert.Equal(t, "vector-index", snap[2].Name)
}

func TestKindForURL(t *testing.T) {
	cases := map[string]EndpointKind{
		"http://localhost:9000":                  KindLocal,
		"http://127.0.0.1:3000":                  KindLocal,
		"https://sharp-owl-12.trycloudflare.com": KindTunnel,
		"https://abc123.ngrok-free.app":          KindTunnel,
		"https://scan.internal.example.com":      KindRemote,
	}
	for rawURL, want := range cases {
		assert.Equal(t, want, kindForURL(rawURL), "url %q", rawURL)
	}
	assert.Equal(t, KindRemote, kindForURL(""))
}

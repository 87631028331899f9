// Package registry tracks the configured backend endpoints and their
// liveness as seen by periodic health probes.
package registry

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// EndpointKind classifies how an endpoint is reached. The dispatch code
// path is identical for every kind; the tag exists for dashboard display.
type EndpointKind string

const (
	KindLocal  EndpointKind = "local"
	KindTunnel EndpointKind = "tunnel"
	KindRemote EndpointKind = "remote"
)

// Endpoint is one configured backend collaborator with its last probe
// result. Reachable is meaningful only when Configured is true.
type Endpoint struct {
	Name         string       `json:"name"`
	URL          string       `json:"url,omitempty"`
	Kind         EndpointKind `json:"kind"`
	Configured   bool         `json:"configured"`
	Reachable    bool         `json:"reachable"`
	LastProbedAt time.Time    `json:"last_probed_at"`
}

// Config holds probe settings for a Registry.
type Config struct {
	HealthPath   string
	ProbePeriod  time.Duration
	ProbeTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Registry is the endpoint table. Probing is the only writer after
// registration; everything else reads snapshots.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	order     []string

	client     *http.Client
	healthPath string
	period     time.Duration
	clock      clockwork.Clock
	log        *slog.Logger
}

// New creates a Registry with no endpoints registered.
func New(cfg Config) *Registry {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}
	if cfg.ProbePeriod <= 0 {
		cfg.ProbePeriod = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		endpoints:  make(map[string]*Endpoint),
		client:     &http.Client{Timeout: cfg.ProbeTimeout},
		healthPath: cfg.HealthPath,
		period:     cfg.ProbePeriod,
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}
}

// Register adds an endpoint. An empty URL registers it as unconfigured
// so the dashboard can still show it.
func (r *Registry) Register(name, rawURL string) {
	rawURL = strings.TrimSpace(rawURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[name]; !exists {
		r.order = append(r.order, name)
	}
	r.endpoints[name] = &Endpoint{
		Name:       name,
		URL:        rawURL,
		Kind:       kindForURL(rawURL),
		Configured: rawURL != "",
	}
}

// Lookup returns a copy of the named endpoint.
func (r *Registry) Lookup(name string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

// Snapshot returns copies of all endpoints in registration order.
func (r *Registry) Snapshot() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.endpoints[name])
	}
	return out
}

// Probe checks the named endpoint once and updates its reachable flag.
// Unconfigured endpoints are never probed and stay unreachable.
func (r *Registry) Probe(ctx context.Context, name string) bool {
	ep, ok := r.Lookup(name)
	if !ok || !ep.Configured {
		return false
	}

	reachable := r.check(ctx, ep.URL)

	r.mu.Lock()
	if cur, ok := r.endpoints[name]; ok {
		cur.Reachable = reachable
		cur.LastProbedAt = r.clock.Now()
	}
	r.mu.Unlock()

	if !reachable {
		r.log.Warn("endpoint unreachable", "endpoint", name, "url", ep.URL)
	}
	return reachable
}

func (r *Registry) check(ctx context.Context, baseURL string) bool {
	healthURL := strings.TrimRight(baseURL, "/") + r.healthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes all endpoints immediately and then on a fixed period until
// ctx is cancelled. Intended to run as its own goroutine; a slow probe
// never blocks anything but the next probe.
func (r *Registry) Run(ctx context.Context) {
	r.probeAll(ctx)

	ticker := r.clock.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		r.Probe(ctx, name)
	}
}

func kindForURL(rawURL string) EndpointKind {
	if rawURL == "" {
		return KindRemote
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindRemote
	}
	host := u.Hostname()
	switch {
	case host == "localhost" || host == "127.0.0.1" || host == "::1":
		return KindLocal
	case strings.HasSuffix(host, ".trycloudflare.com"),
		strings.Contains(host, "ngrok"),
		strings.HasSuffix(host, ".loca.lt"):
		return KindTunnel
	default:
		return KindRemote
	}
}

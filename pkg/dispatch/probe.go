package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Status is the cached backend liveness.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusUp      Status = "up"
	StatusDown    Status = "down"
)

const (
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeInterval = 30 * time.Second
	defaultStaleAfter    = 30 * time.Second
)

// State is one probe observation.
type State struct {
	Status    Status    `json:"status"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Reachability reports whether the server route should be tried.
type Reachability interface {
	Fresh(ctx context.Context) State
}

// Probe polls GET {base}/health. It never returns errors: any failure,
// timeout or non-2xx answer is recorded as down.
type Probe struct {
	url        string
	client     *http.Client
	timeout    time.Duration
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time

	mu    sync.RWMutex
	state State
}

// NewProbe builds a probe for the API mounted at baseURL.
func NewProbe(baseURL string, client *http.Client) *Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return &Probe{
		url:        strings.TrimRight(baseURL, "/") + "/health",
		client:     client,
		timeout:    defaultProbeTimeout,
		interval:   defaultProbeInterval,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
		state:      State{Status: StatusUnknown},
	}
}

// Current returns the cached state without network I/O.
func (p *Probe) Current() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Fresh returns the cached state, re-checking first when it is older than
// the staleness bound or was never checked.
func (p *Probe) Fresh(ctx context.Context) State {
	s := p.Current()
	if s.Status != StatusUnknown && p.now().Sub(s.CheckedAt) <= p.staleAfter {
		return s
	}
	return p.Check(ctx)
}

// Check performs one health request and caches the result.
func (p *Probe) Check(ctx context.Context) State {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status := StatusDown
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err == nil {
		resp, derr := p.client.Do(req)
		if derr == nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				status = StatusUp
			}
			_ = resp.Body.Close()
		} else {
			err = derr
		}
	}
	s := State{Status: status, CheckedAt: p.now()}

	p.mu.Lock()
	prev := p.state.Status
	p.state = s
	p.mu.Unlock()
	if prev != status {
		slog.Info("backend reachability changed", "from", prev, "to", status, "url", p.url, "error", err)
	}
	return s
}

// Start checks immediately, then keeps the cache warm on a ticker until ctx is done.
func (p *Probe) Start(ctx context.Context) {
	p.Check(ctx)
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

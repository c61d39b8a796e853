package client

import (
	"context"
	"net/http"
	"os"
	"strings"

	"pdfpage/pkg/dispatch"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/pdfengine"
	"pdfpage/pkg/pipeline"
	"pdfpage/pkg/quota"
	"pdfpage/pkg/registry"
)

// DefaultBaseURL is used when PDFPAGE_API_URL is unset.
const DefaultBaseURL = "http://localhost:5000/api"

// Config is the client-side wiring. The zero value plus a base URL runs
// against a local server.
type Config struct {
	BaseURL    string
	StatePath  string
	HTTPClient *http.Client
	Policies   quota.Policies
	Engine     *pdfengine.Engine
	Registry   *registry.Registry
}

// ConfigFromEnv reads PDFPAGE_API_URL (or VITE_API_URL) and PDFPAGE_STATE.
func ConfigFromEnv() Config {
	base := strings.TrimSpace(os.Getenv("PDFPAGE_API_URL"))
	if base == "" {
		base = strings.TrimSpace(os.Getenv("VITE_API_URL"))
	}
	if base == "" {
		base = DefaultBaseURL
	}
	return Config{BaseURL: base, StatePath: DefaultStatePath(), Policies: quota.DefaultPolicies()}
}

// Runtime is the assembled client pipeline.
type Runtime struct {
	Client   *Client
	State    *StateFile
	Probe    *dispatch.Probe
	Identity *Identity
	Pipeline *pipeline.Pipeline
}

func NewRuntime(cfg Config) (*Runtime, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath()
	}
	if cfg.Policies == (quota.Policies{}) {
		cfg.Policies = quota.DefaultPolicies()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.Default()
	}
	if cfg.Engine == nil {
		cfg.Engine = pdfengine.New()
	}

	c := New(cfg.BaseURL, cfg.HTTPClient)
	state := OpenState(cfg.StatePath)
	probe := dispatch.NewProbe(c.BaseURL(), c.HTTPClient())
	localGate := quota.NewGate(quota.NewStore(state, state), cfg.Policies)

	p, err := pipeline.New(pipeline.Config{
		Registry:   cfg.Registry,
		Dispatcher: dispatch.New(pdfengine.NewExecutor(cfg.Engine), NewServerExecutor(c, state), probe),
		Gate:       NewGate(c, state, localGate),
		Recorder:   quota.NewRecorder(state),
		Pages:      cfg.Engine,
	})
	if err != nil {
		return nil, err
	}
	return &Runtime{
		Client:   c,
		State:    state,
		Probe:    probe,
		Identity: NewIdentity(c, state),
		Pipeline: p,
	}, nil
}

// Run resolves the device principal and runs one operation.
func (r *Runtime) Run(ctx context.Context, op string, inputs []domain.Input, params domain.Params) (domain.DispatchResult, error) {
	p, err := r.Identity.Resolve(ctx)
	if err != nil {
		return domain.DispatchResult{}, err
	}
	return r.Pipeline.Run(ctx, domain.DispatchRequest{
		Operation: op,
		Inputs:    inputs,
		Params:    params,
		Principal: p,
	})
}

// Package pipeline wires the usage-gated operation flow: registry lookup,
// validation, route planning, admission, execution and recording.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"pdfpage/pkg/dispatch"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/quota"
	"pdfpage/pkg/registry"
)

// Gate admits and refunds operations.
type Gate interface {
	Admit(ctx context.Context, p domain.Principal, desc registry.Descriptor, inputs []domain.Input) (domain.Admission, error)
	Refund(ctx context.Context, p domain.Principal, n int, bytes int64) error
}

// Recorder logs successful operations.
type Recorder interface {
	Record(ctx context.Context, ev domain.UsageEvent)
}

// PageCounter fills in page counts so page ceilings can be enforced.
type PageCounter interface {
	PageCount(in domain.Input) (int, error)
}

// Config assembles a Pipeline.
type Config struct {
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Gate       Gate
	Recorder   Recorder
	Pages      PageCounter
	// GateServerRoute admits server-routed operations locally too. Clients
	// leave it false because the server gates those requests itself.
	GateServerRoute bool
	Now             func() time.Time
}

// Pipeline is safe for concurrent use; each Run is gated independently.
type Pipeline struct {
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil || cfg.Dispatcher == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("pipeline requires registry, dispatcher and gate")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{cfg: cfg}, nil
}

// Registry returns the operation table.
func (p *Pipeline) Registry() *registry.Registry {
	return p.cfg.Registry
}

// Run executes req.Operation for req.Principal.
func (p *Pipeline) Run(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	desc, ok := p.cfg.Registry.Lookup(req.Operation)
	if !ok {
		return domain.DispatchResult{}, &domain.ValidationError{
			Message: fmt.Sprintf("Unknown tool %q", req.Operation),
			Fields:  []domain.FieldError{{Field: "operation", Message: "unknown tool"}},
		}
	}
	req.Operation = desc.Name
	req.Inputs = p.prepareInputs(req.Inputs)
	if err := desc.Validate(req.Inputs, req.Params); err != nil {
		return domain.DispatchResult{}, err
	}

	logger := slog.Default().With("operation", desc.Name, "principal", req.Principal.Key())
	var (
		debited      int
		debitedBytes int64
	)
	admit := func(ctx context.Context, route dispatch.Route) (domain.Admission, error) {
		if route.Source == domain.SourceServer && !p.cfg.GateServerRoute {
			return domain.Admission{Admitted: true, Remaining: domain.Unlimited, Policy: "server"}, nil
		}
		adm, err := p.cfg.Gate.Admit(ctx, req.Principal, desc, req.Inputs)
		if err != nil {
			return domain.Admission{}, err
		}
		if !adm.Admitted {
			return adm, domain.Denied(adm)
		}
		debited++
		debitedBytes += domain.TotalSize(req.Inputs)
		return adm, nil
	}

	res, err := p.cfg.Dispatcher.Dispatch(ctx, desc, req, admit)
	if err != nil {
		if debited > 0 && neverStarted(err) {
			if rerr := p.cfg.Gate.Refund(context.WithoutCancel(ctx), req.Principal, debited, debitedBytes); rerr != nil {
				logger.Warn("usage refund failed", "error", rerr)
			}
		}
		return domain.DispatchResult{}, err
	}
	if p.cfg.Recorder != nil {
		p.cfg.Recorder.Record(ctx, quota.NewEvent(req.Principal, desc.Name, req.Inputs, res.Source, req.Params, p.cfg.Now()))
	}
	if len(res.Warnings) > 0 {
		logger.Warn("operation completed degraded", "source", res.Source, "warnings", res.Warnings)
	}
	return res, nil
}

// neverStarted reports whether err means the executor rejected the request
// before doing any work: bad input, or a backend that is not installed.
func neverStarted(err error) bool {
	return domain.IsValidation(err) || domain.IsUnavailable(err)
}

func (p *Pipeline) prepareInputs(inputs []domain.Input) []domain.Input {
	out := make([]domain.Input, len(inputs))
	for i, in := range inputs {
		if in.Size == 0 {
			in.Size = int64(len(in.Bytes))
		}
		if in.Pages == 0 && p.cfg.Pages != nil && strings.EqualFold(filepath.Ext(in.Name), ".pdf") && len(in.Bytes) > 0 {
			if n, err := p.cfg.Pages.PageCount(in); err == nil {
				in.Pages = n
			}
		}
		out[i] = in
	}
	return out
}

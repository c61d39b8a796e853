// Package dispatch decides where an operation runs and falls back to the
// local engine when the server cannot be reached.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/registry"
)

// Executor runs one operation and returns its artifacts.
type Executor interface {
	Execute(ctx context.Context, desc registry.Descriptor, req domain.DispatchRequest) ([]domain.Artifact, error)
}

// Route is a planned execution target.
type Route struct {
	Source   domain.Source
	Degraded bool
}

// AdmitFunc is called right before an executor runs on route. A non-nil
// error aborts the dispatch.
type AdmitFunc func(ctx context.Context, route Route) (domain.Admission, error)

// Dispatcher picks between a local and a server executor.
type Dispatcher struct {
	local  Executor
	server Executor
	probe  Reachability
	direct bool
}

// New builds a client-side dispatcher. server and probe may be nil for
// offline-only use.
func New(local, server Executor, probe Reachability) *Dispatcher {
	return &Dispatcher{local: local, server: server, probe: probe}
}

// NewDirect builds a dispatcher that runs every operation on exec. The API
// server uses it: its in-process engine is the authoritative executor.
func NewDirect(exec Executor) *Dispatcher {
	return &Dispatcher{local: exec, direct: true}
}

// Plan decides the route for desc without executing anything.
func (d *Dispatcher) Plan(ctx context.Context, desc registry.Descriptor) (Route, error) {
	if d.direct {
		return Route{Source: domain.SourceServer}, nil
	}
	hasLocal := desc.HasLocal() && d.local != nil
	hasServer := desc.HasServer() && d.server != nil
	switch {
	case !hasServer && hasLocal:
		return Route{Source: domain.SourceLocal}, nil
	case hasServer && !hasLocal:
		return Route{Source: domain.SourceServer}, nil
	case !hasServer && !hasLocal:
		return Route{}, &domain.ServiceUnavailableError{
			Message: fmt.Sprintf("%s needs the server, which is not configured", desc.Name),
		}
	}
	if d.probe != nil && d.probe.Fresh(ctx).Status == StatusUp {
		return Route{Source: domain.SourceServer}, nil
	}
	return Route{Source: domain.SourceLocal, Degraded: true}, nil
}

// Dispatch plans, admits and executes req. A retryable server failure is
// retried once on the local engine, admitted again for that route.
func (d *Dispatcher) Dispatch(ctx context.Context, desc registry.Descriptor, req domain.DispatchRequest, admit AdmitFunc) (domain.DispatchResult, error) {
	route, err := d.Plan(ctx, desc)
	if err != nil {
		return domain.DispatchResult{}, err
	}
	res, err := d.run(ctx, route, desc, req, admit)
	if err == nil || d.direct || route.Source != domain.SourceServer || !IsRetryable(err) {
		return res, err
	}

	if !desc.HasLocal() || d.local == nil {
		return domain.DispatchResult{}, &domain.ServiceUnavailableError{
			Message: "Server is unreachable and this tool has no offline mode. Try again later.",
			Err:     err,
		}
	}
	slog.Warn("server dispatch failed, retrying locally", "operation", desc.Name, "error", err)
	return d.run(ctx, Route{Source: domain.SourceLocal, Degraded: true}, desc, req, admit)
}

func (d *Dispatcher) run(ctx context.Context, route Route, desc registry.Descriptor, req domain.DispatchRequest, admit AdmitFunc) (domain.DispatchResult, error) {
	var adm domain.Admission
	if admit != nil {
		var err error
		if adm, err = admit(ctx, route); err != nil {
			return domain.DispatchResult{}, err
		}
	}
	exec := d.local
	if route.Source == domain.SourceServer && !d.direct {
		exec = d.server
	}
	arts, err := exec.Execute(ctx, desc, req)
	if err != nil {
		return domain.DispatchResult{}, err
	}
	res := domain.DispatchResult{Artifacts: arts, Source: route.Source, Admission: adm}
	if route.Degraded {
		res.Warnings = append(res.Warnings, domain.WarningDegraded)
	}
	return res, nil
}

// IsRetryable reports whether err marks itself as a transient transport failure.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

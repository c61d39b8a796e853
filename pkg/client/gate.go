package client

import (
	"context"
	"errors"
	"log/slog"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/quota"
	"pdfpage/pkg/registry"
)

// Gate admits locally executed operations against the server's counters
// through /usage/track. When the server cannot be reached it falls back to
// a device-local quota gate over the state file, so offline usage is
// bounded by the same policy.
type Gate struct {
	client *Client
	creds  Credentials
	local  *quota.Gate
}

func NewGate(c *Client, creds Credentials, local *quota.Gate) *Gate {
	return &Gate{client: c, creds: creds, local: local}
}

func (g *Gate) Admit(ctx context.Context, p domain.Principal, desc registry.Descriptor, inputs []domain.Input) (domain.Admission, error) {
	token := ""
	if g.creds != nil {
		token = g.creds.Token()
	}
	res, err := g.client.Track(ctx, token, TrackRequest{
		ToolUsed:      desc.Name,
		FileCount:     len(inputs),
		TotalFileSize: domain.TotalSize(inputs),
		SessionID:     p.SessionID,
	})
	if err == nil {
		return domain.Admission{Admitted: true, Remaining: int(res.RemainingUploads), Policy: "server"}, nil
	}
	var qe *domain.QuotaError
	if errors.As(err, &qe) && qe.Reason != domain.ReasonRateLimited {
		return domain.Admission{Reason: qe.Reason}, nil
	}
	if !IsTransport(err) || g.local == nil {
		return domain.Admission{}, err
	}
	slog.Warn("usage tracking unreachable, using local quota", "principal", p.Key(), "error", err)
	return g.local.Admit(ctx, p, desc, inputs)
}

// Refund returns uploads to the local counters. The server has no refund
// endpoint, so a remote debit stays.
func (g *Gate) Refund(ctx context.Context, p domain.Principal, n int, bytes int64) error {
	if g.local == nil {
		return nil
	}
	return g.local.Refund(ctx, p, n, bytes)
}

package quota

import (
	"context"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/registry"
)

// Gate answers whether a principal may run an operation right now and
// debits the store when it may.
type Gate struct {
	store    *Store
	policies Policies
}

func NewGate(store *Store, policies Policies) *Gate {
	return &Gate{store: store, policies: policies}
}

// Policies returns the configured policy table.
func (g *Gate) Policies() Policies {
	return g.policies
}

// Admit checks per-operation ceilings, then debits one upload of the total
// input size. The tier is fixed at entry, so a plan expiring mid-request
// does not change the outcome. A denial leaves the store untouched.
func (g *Gate) Admit(ctx context.Context, p domain.Principal, desc registry.Descriptor, inputs []domain.Input) (domain.Admission, error) {
	now := g.store.Now()
	policy := g.policies.For(p.Kind, now)
	deny := func(reason domain.DenyReason) (domain.Admission, error) {
		return domain.Admission{Admitted: false, Reason: reason, Policy: policy.Name}, nil
	}

	if p.Kind == domain.TierPremium && !p.PlanExpiry.After(now) {
		return deny(domain.ReasonPremiumExpired)
	}
	if desc.MinTier != "" && p.Kind.Rank() < desc.MinTier.Rank() {
		return deny(domain.ReasonTierRequired)
	}

	total := domain.TotalSize(inputs)
	if ceiling := perOpCeiling(policy, desc); ceiling >= 0 && total > ceiling {
		return deny(domain.ReasonPerOpSize)
	}
	if policy.MaxPagesPerOp >= 0 {
		pages := 0
		for _, in := range inputs {
			pages += in.Pages
		}
		if pages > policy.MaxPagesPerOp {
			return deny(domain.ReasonPerOpSize)
		}
	}

	res, err := g.store.CheckAndDebit(ctx, p, policy, 1, total)
	if err != nil {
		return domain.Admission{}, err
	}
	if !res.OK {
		return domain.Admission{Admitted: false, Remaining: res.Remaining, Reason: res.Reason, Policy: policy.Name}, nil
	}
	return domain.Admission{Admitted: true, Remaining: res.Remaining, Policy: policy.Name}, nil
}

// Status reports whether p could upload now without debiting.
func (g *Gate) Status(ctx context.Context, p domain.Principal) (domain.Admission, error) {
	now := g.store.Now()
	policy := g.policies.For(p.Kind, now)
	if p.Kind == domain.TierPremium && !p.PlanExpiry.After(now) {
		return domain.Admission{Reason: domain.ReasonPremiumExpired, Policy: policy.Name}, nil
	}
	rec, err := g.store.Read(ctx, p)
	if err != nil {
		return domain.Admission{}, err
	}
	left := Remaining(rec, policy)
	a := domain.Admission{Admitted: left != 0, Remaining: left, Policy: policy.Name}
	if left == 0 {
		a.Reason = domain.ReasonDailyLimit
	}
	return a, nil
}

// Refund returns n uploads and bytes to p for today. Only call it when the
// operation provably never started.
func (g *Gate) Refund(ctx context.Context, p domain.Principal, n int, bytes int64) error {
	return g.store.Refund(ctx, p, n, bytes)
}

// MarkLogin records a login on p's usage record.
func (g *Gate) MarkLogin(ctx context.Context, p domain.Principal) error {
	return g.store.MarkLogin(ctx, p, g.store.Now())
}

func perOpCeiling(policy Policy, desc registry.Descriptor) int64 {
	ceiling := policy.MaxBytesPerOp
	if d := desc.MaxBytesFor(policy.Tier); d > 0 && (ceiling < 0 || d < ceiling) {
		ceiling = d
	}
	return ceiling
}

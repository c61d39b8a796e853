package quota

import (
	"time"

	"pdfpage/pkg/domain"
)

// MB is one mebibyte.
const MB int64 = 1 << 20

// Policy holds the per-tier quota ceilings. Any field set to domain.Unlimited is uncapped.
type Policy struct {
	Name                string
	Tier                domain.Tier // tier whose per-operation ceilings apply
	MaxDailyUploads     int
	MaxBytesPerOp       int64
	MaxBytesTotalPerDay int64
	MaxPagesPerOp       int
}

// UnlimitedDaily reports whether the daily upload count is uncapped.
func (p Policy) UnlimitedDaily() bool {
	return p.MaxDailyUploads < 0
}

var (
	AnonymousPolicy = Policy{
		Name:                "anonymous",
		Tier:                domain.TierAnonymous,
		MaxDailyUploads:     3,
		MaxBytesPerOp:       10 * MB,
		MaxBytesTotalPerDay: 50 * MB,
		MaxPagesPerOp:       200,
	}
	FreePolicy = Policy{
		Name:                "free",
		Tier:                domain.TierFree,
		MaxDailyUploads:     10,
		MaxBytesPerOp:       25 * MB,
		MaxBytesTotalPerDay: 250 * MB,
		MaxPagesPerOp:       500,
	}
	PremiumPolicy = Policy{
		Name:                "premium",
		Tier:                domain.TierPremium,
		MaxDailyUploads:     domain.Unlimited,
		MaxBytesPerOp:       100 * MB,
		MaxBytesTotalPerDay: domain.Unlimited,
		MaxPagesPerOp:       domain.Unlimited,
	}
)

// Promo overrides every tier with Policy while now is before Until.
type Promo struct {
	Until  time.Time
	Policy Policy
}

// Active reports whether the promo window is open at now.
func (p *Promo) Active(now time.Time) bool {
	return p != nil && now.Before(p.Until)
}

// NewPromo builds a promo that grants premium limits until until.
func NewPromo(until time.Time) *Promo {
	policy := PremiumPolicy
	policy.Name = "promo"
	return &Promo{Until: until, Policy: policy}
}

// Policies is the config-time policy table.
type Policies struct {
	Anonymous Policy
	Free      Policy
	Premium   Policy
	Promo     *Promo
}

// DefaultPolicies returns the built-in tier table without a promo.
func DefaultPolicies() Policies {
	return Policies{
		Anonymous: AnonymousPolicy,
		Free:      FreePolicy,
		Premium:   PremiumPolicy,
	}
}

// For selects the policy for tier at now.
func (ps Policies) For(tier domain.Tier, now time.Time) Policy {
	if ps.Promo.Active(now) {
		return ps.Promo.Policy
	}
	switch tier {
	case domain.TierPremium:
		return ps.Premium
	case domain.TierFree:
		return ps.Free
	default:
		return ps.Anonymous
	}
}

package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Tier is the quota class a principal is evaluated against.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierPremium   Tier = "premium"
)

// Rank orders tiers for minimum-tier checks.
func (t Tier) Rank() int {
	switch t {
	case TierPremium:
		return 2
	case TierFree:
		return 1
	default:
		return 0
	}
}

// Principal is the identity a request is evaluated against.
// Exactly one of UserID (premium, free) or SessionID (anonymous) is set.
type Principal struct {
	Kind       Tier      `json:"kind"`
	UserID     string    `json:"userId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	PlanExpiry time.Time `json:"planExpiry,omitempty"`
}

func PremiumPrincipal(userID string, planExpiry time.Time) Principal {
	return Principal{Kind: TierPremium, UserID: userID, PlanExpiry: planExpiry}
}

func FreePrincipal(userID string) Principal {
	return Principal{Kind: TierFree, UserID: userID}
}

func AnonymousPrincipal(sessionID string) Principal {
	return Principal{Kind: TierAnonymous, SessionID: sessionID}
}

// Identified reports whether the principal maps to a user account.
func (p Principal) Identified() bool {
	return p.Kind == TierPremium || p.Kind == TierFree
}

// Key is the quota-store key: "user:<id>" or "session:<sid>".
func (p Principal) Key() string {
	if p.Identified() {
		return "user:" + p.UserID
	}
	return "session:" + p.SessionID
}

// Normalize demotes a premium principal whose plan is no longer in the future.
func (p Principal) Normalize(now time.Time) Principal {
	if p.Kind == TierPremium && !p.PlanExpiry.After(now) {
		return FreePrincipal(p.UserID)
	}
	return p
}

// UsageRecord holds per-principal counters. DayBucket is a UTC date (YYYY-MM-DD).
type UsageRecord struct {
	Key          string    `json:"key"`
	DailyUploads uint32    `json:"dailyUploads"`
	DailyBytes   uint64    `json:"dailyBytes"`
	TotalUploads uint64    `json:"totalUploads"`
	TotalBytes   uint64    `json:"totalBytes"`
	LastLogin    time.Time `json:"lastLogin,omitempty"`
	DayBucket    string    `json:"dayBucket"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DayBucketOf returns the UTC calendar day of t.
func DayBucketOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UsageEvent is one append-log entry written after a successful operation.
type UsageEvent struct {
	ID            string            `json:"id"`
	PrincipalKey  string            `json:"principalKey"`
	PrincipalKind Tier              `json:"principalKind"`
	UserID        string            `json:"userId,omitempty"`
	SessionID     string            `json:"sessionId,omitempty"`
	Operation     string            `json:"operation"`
	FileCount     int               `json:"fileCount"`
	TotalBytes    int64             `json:"totalBytes"`
	Source        Source            `json:"source"`
	Params        map[string]string `json:"params,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Source names the executor that produced a result.
type Source string

const (
	SourceServer Source = "server"
	SourceLocal  Source = "local"
)

// Input is one submitted file. Pages is 0 when unknown.
type Input struct {
	Bytes []byte `json:"-"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages,omitempty"`
}

// TotalSize sums the declared sizes of inputs.
func TotalSize(inputs []Input) int64 {
	var total int64
	for _, in := range inputs {
		total += in.Size
	}
	return total
}

// Params are operation-specific string parameters (multipart form values).
type Params map[string]string

// Int parses key as an integer, returning def when absent.
func (p Params) Int(key string, def int) (int, error) {
	raw := strings.TrimSpace(p[key])
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// DispatchRequest is an operation invocation with its inputs.
type DispatchRequest struct {
	Operation string
	Inputs    []Input
	Params    Params
	Principal Principal
}

// Artifact is one produced output, owned by the caller.
type Artifact struct {
	Bytes         []byte `json:"-"`
	SuggestedName string `json:"suggestedName"`
	MIME          string `json:"mime"`
}

// Warning codes attached to results.
const (
	WarningDegraded = "degraded"
)

// DispatchResult is the output of a pipeline run.
type DispatchResult struct {
	Artifacts []Artifact `json:"artifacts"`
	Source    Source     `json:"source"`
	Warnings  []string   `json:"warnings,omitempty"`
	Admission Admission  `json:"admission"`
}

// Unlimited marks a quota dimension without a cap.
const Unlimited = -1

// RemainingUploads marshals as a number, or as "unlimited" for Unlimited.
type RemainingUploads int

func (r RemainingUploads) MarshalJSON() ([]byte, error) {
	if int(r) == Unlimited {
		return []byte(`"unlimited"`), nil
	}
	return []byte(strconv.Itoa(int(r))), nil
}

func (r *RemainingUploads) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "unlimited" {
			*r = Unlimited
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*r = RemainingUploads(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*r = RemainingUploads(n)
	return nil
}

// String renders the count for humans.
func (r RemainingUploads) String() string {
	if int(r) == Unlimited {
		return "unlimited"
	}
	return strconv.Itoa(int(r))
}

// Admission is the Quota Gate verdict. Remaining is Unlimited when uncapped.
type Admission struct {
	Admitted  bool       `json:"admitted"`
	Remaining int        `json:"remaining"`
	Reason    DenyReason `json:"reason,omitempty"`
	Policy    string     `json:"policy,omitempty"`
}

// DenyReason tags why a quota check failed.
type DenyReason string

const (
	ReasonDailyLimit     DenyReason = "daily-limit"
	ReasonPerOpSize      DenyReason = "per-op-size"
	ReasonDailyBytes     DenyReason = "daily-bytes"
	ReasonPremiumExpired DenyReason = "premium-expired"
	ReasonTierRequired   DenyReason = "tier-required"
	// ReasonRateLimited tags a request throttle, not a quota verdict.
	ReasonRateLimited DenyReason = "rate-limited"
)

// Premium plan names.
const (
	PlanNone    = ""
	PlanMonthly = "monthly"
	PlanYearly  = "yearly"
)

// User is an account record.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	PremiumPlan   string    `json:"premiumPlan,omitempty"`
	PremiumExpiry time.Time `json:"premiumExpiryDate,omitempty"`
	LoginCount    int       `json:"loginCount"`
	LastLogin     time.Time `json:"lastLogin,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsPremium reports whether the plan is active at now.
func (u User) IsPremium(now time.Time) bool {
	return u.PremiumExpiry.After(now)
}

// PremiumDaysRemaining rounds the remaining plan time up to whole days.
func (u User) PremiumDaysRemaining(now time.Time) int {
	if !u.IsPremium(now) {
		return 0
	}
	left := u.PremiumExpiry.Sub(now)
	days := int(left / (24 * time.Hour))
	if left%(24*time.Hour) > 0 {
		days++
	}
	return days
}

// UserView is the JSON shape returned to clients.
type UserView struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Email                string     `json:"email"`
	IsPremium            bool       `json:"isPremium"`
	PremiumPlan          string     `json:"premiumPlan,omitempty"`
	PremiumExpiryDate    *time.Time `json:"premiumExpiryDate,omitempty"`
	PremiumDaysRemaining int        `json:"premiumDaysRemaining"`
	LoginCount           int        `json:"loginCount"`
	LastLogin            *time.Time `json:"lastLogin,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
}

// View renders u for API responses.
func (u User) View(now time.Time) UserView {
	v := UserView{
		ID:                   u.ID,
		Name:                 u.Name,
		Email:                u.Email,
		IsPremium:            u.IsPremium(now),
		PremiumPlan:          u.PremiumPlan,
		PremiumDaysRemaining: u.PremiumDaysRemaining(now),
		LoginCount:           u.LoginCount,
		CreatedAt:            u.CreatedAt,
	}
	if !u.PremiumExpiry.IsZero() {
		exp := u.PremiumExpiry
		v.PremiumExpiryDate = &exp
	}
	if !u.LastLogin.IsZero() {
		last := u.LastLogin
		v.LastLogin = &last
	}
	return v
}

// UserFromView rebuilds a user from its client-side cached view.
func UserFromView(v UserView) User {
	u := User{
		ID:          v.ID,
		Name:        v.Name,
		Email:       v.Email,
		PremiumPlan: v.PremiumPlan,
		LoginCount:  v.LoginCount,
		CreatedAt:   v.CreatedAt,
	}
	if v.PremiumExpiryDate != nil {
		u.PremiumExpiry = *v.PremiumExpiryDate
	}
	if v.LastLogin != nil {
		u.LastLogin = *v.LastLogin
	}
	return u
}

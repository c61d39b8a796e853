package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdfpage/internal/util"
	"pdfpage/pkg/auth"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/identity"
	"pdfpage/pkg/pipeline"
	"pdfpage/pkg/quota"
	"pdfpage/pkg/registry"
	"pdfpage/pkg/storage"
	"pdfpage/pkg/store"
)

// Config holds the collaborators of the application service.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore
	Gate     *quota.Gate
	Pipeline *pipeline.Pipeline
	Recorder *quota.Recorder
	Objects  storage.ObjectStore // nil disables cloud sharing
	ShareTTL time.Duration
	Now      func() time.Time
}

// App is the core application service: accounts, usage accounting and
// the operation pipeline.
type App struct {
	store    store.Store
	sessions store.SessionStore
	gate     *quota.Gate
	pipeline *pipeline.Pipeline
	recorder *quota.Recorder
	objects  storage.ObjectStore
	shareTTL time.Duration
	resolver *identity.Resolver
	now      func() time.Time
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store required")
	}
	if cfg.Gate == nil || cfg.Pipeline == nil {
		return nil, fmt.Errorf("quota gate and pipeline required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ShareTTL <= 0 {
		cfg.ShareTTL = storage.DefaultShareTTL
	}
	resolver := identity.New(identity.TokenUsers{Tokens: cfg.Sessions, Users: cfg.Store}).WithClock(cfg.Now)
	return &App{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		gate:     cfg.Gate,
		pipeline: cfg.Pipeline,
		recorder: cfg.Recorder,
		objects:  cfg.Objects,
		shareTTL: cfg.ShareTTL,
		resolver: resolver,
		now:      cfg.Now,
	}, nil
}

// Now returns the application clock.
func (a *App) Now() time.Time {
	return a.now()
}

// Register creates an account and issues a token.
func (a *App) Register(ctx context.Context, name, email, password string) (domain.User, string, error) {
	name = auth.NormalizeName(name)
	email = auth.NormalizeEmail(email)
	if err := validateFields(
		field{"name", auth.ValidateName(name)},
		field{"email", auth.ValidateEmail(email)},
		field{"password", auth.ValidatePassword(password)},
	); err != nil {
		return domain.User{}, "", err
	}
	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	now := a.now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, "", ErrEmailAlreadyExists
		}
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// Login checks credentials, bumps the login counters and issues a token.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	email = auth.NormalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", &domain.ValidationError{
			Message: "Please provide email and password",
			Fields:  []domain.FieldError{{Field: "email", Message: "Please provide email and password"}},
		}
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		auth.BurnPasswordCheck(password)
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	now := a.now().UTC()
	user.LoginCount++
	user.LastLogin = now
	user.UpdatedAt = now
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.User{}, "", fmt.Errorf("save login: %w", err)
	}
	if err := a.gate.MarkLogin(ctx, identity.FromUser(user, now)); err != nil {
		util.LoggerFromContext(ctx).Warn("mark login failed", "user_id", user.ID, "error", err)
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue token: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves the account behind a bearer token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, error) {
	if strings.TrimSpace(token) == "" {
		return domain.User{}, &domain.AuthError{Message: "Not authorized, no token"}
	}
	return identity.TokenUsers{Tokens: a.sessions, Users: a.store}.UserForToken(ctx, token)
}

// Principal resolves the quota principal for a request.
func (a *App) Principal(ctx context.Context, token, sessionID string) (domain.Principal, error) {
	return a.resolver.Resolve(ctx, token, sessionID)
}

// UpdateProfile changes name and/or email. Empty values are left alone.
func (a *App) UpdateProfile(ctx context.Context, user domain.User, name, email string) (domain.User, error) {
	var fields []field
	if strings.TrimSpace(name) != "" {
		name = auth.NormalizeName(name)
		fields = append(fields, field{"name", auth.ValidateName(name)})
	}
	if strings.TrimSpace(email) != "" {
		email = auth.NormalizeEmail(email)
		fields = append(fields, field{"email", auth.ValidateEmail(email)})
	}
	if err := validateFields(fields...); err != nil {
		return domain.User{}, err
	}
	if email != "" && email != user.Email {
		exists, err := a.store.HasUserEmail(ctx, email)
		if err != nil {
			return domain.User{}, fmt.Errorf("check email: %w", err)
		}
		if exists {
			return domain.User{}, ErrEmailAlreadyExists
		}
		user.Email = email
	}
	if name != "" {
		user.Name = name
	}
	user.UpdatedAt = a.now().UTC()
	if err := a.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, ErrEmailAlreadyExists
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

// ChangePassword replaces the password after verifying the current one.
func (a *App) ChangePassword(ctx context.Context, user domain.User, current, next string) error {
	if current == "" || next == "" {
		return ErrPasswordRequired
	}
	if !auth.CheckPassword(current, user.PasswordHash) {
		return ErrCurrentPasswordWrong
	}
	if err := validateFields(field{"newPassword", auth.ValidatePassword(next)}); err != nil {
		return err
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = hash
	user.UpdatedAt = a.now().UTC()
	if err := a.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// LimitStatus answers check-limit without debiting.
type LimitStatus struct {
	CanUpload bool
	Remaining int
	Message   string
	IsPremium bool
}

// CheckLimit reports whether p could upload now.
func (a *App) CheckLimit(ctx context.Context, p domain.Principal) (LimitStatus, error) {
	adm, err := a.gate.Status(ctx, p)
	if err != nil {
		return LimitStatus{}, err
	}
	st := LimitStatus{
		CanUpload: adm.Admitted,
		Remaining: adm.Remaining,
		IsPremium: p.Kind == domain.TierPremium && p.PlanExpiry.After(a.now()),
	}
	switch {
	case !adm.Admitted:
		st.Message = domain.DenyMessage(adm.Reason)
	case adm.Remaining == domain.Unlimited:
		st.Message = "Unlimited uploads available"
	default:
		st.Message = fmt.Sprintf("%d uploads remaining today", adm.Remaining)
	}
	return st, nil
}

// TrackRequest is a client-side operation reported for accounting.
type TrackRequest struct {
	Tool      string
	FileCount int
	TotalSize int64
}

// Track admits and records an operation the client ran itself. Unknown
// tools are accounted under plain tier limits.
func (a *App) Track(ctx context.Context, p domain.Principal, req TrackRequest) (domain.Admission, error) {
	if strings.TrimSpace(req.Tool) == "" {
		return domain.Admission{}, &domain.ValidationError{
			Message: "Tool name is required",
			Fields:  []domain.FieldError{{Field: "toolUsed", Message: "Tool name is required"}},
		}
	}
	if req.FileCount < 0 || req.TotalSize < 0 {
		return domain.Admission{}, domain.Validationf("fileCount and totalFileSize must not be negative")
	}
	desc := a.pipeline.Registry().LookupOrGeneric(req.Tool)
	inputs := trackedInputs(req.FileCount, req.TotalSize)
	adm, err := a.gate.Admit(ctx, p, desc, inputs)
	if err != nil {
		return domain.Admission{}, err
	}
	if !adm.Admitted {
		return adm, domain.Denied(adm)
	}
	a.recorder.Record(ctx, quota.NewEvent(p, desc.Name, inputs, domain.SourceLocal, nil, a.now()))
	return adm, nil
}

// trackedInputs spreads total over count placeholder inputs so per-op
// size checks see the declared total.
func trackedInputs(count int, total int64) []domain.Input {
	count = max(count, 1)
	inputs := make([]domain.Input, count)
	share := total / int64(count)
	for i := range inputs {
		inputs[i] = domain.Input{Name: fmt.Sprintf("file-%d", i+1), Size: share}
	}
	inputs[0].Size += total - share*int64(count)
	return inputs
}

// RunOperation executes a registered tool through the gated pipeline.
func (a *App) RunOperation(ctx context.Context, p domain.Principal, op string, inputs []domain.Input, params domain.Params) (domain.DispatchResult, error) {
	return a.pipeline.Run(ctx, domain.DispatchRequest{
		Operation: op,
		Inputs:    inputs,
		Params:    params,
		Principal: p,
	})
}

// Tools lists the registry as seen by tier.
func (a *App) Tools(tier domain.Tier) []registry.Info {
	descs := a.pipeline.Registry().List()
	out := make([]registry.Info, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.Info(tier))
	}
	return out
}

// ShareFile uploads data to object storage for a premium user and returns
// a time-limited download link.
func (a *App) ShareFile(ctx context.Context, user domain.User, name, contentType string, data []byte) (storage.SharedFile, error) {
	if a.objects == nil {
		return storage.SharedFile{}, &domain.ServiceUnavailableError{Message: "Cloud upload is not available", Err: ErrShareDisabled}
	}
	now := a.now()
	if !user.IsPremium(now) {
		return storage.SharedFile{}, &domain.QuotaError{
			Reason:  domain.ReasonTierRequired,
			Message: domain.DenyMessage(domain.ReasonTierRequired),
		}
	}
	if len(data) == 0 {
		return storage.SharedFile{}, &domain.ValidationError{
			Message: "No file uploaded",
			Fields:  []domain.FieldError{{Field: "file", Message: "No file uploaded"}},
		}
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}
	shared, err := storage.Share(ctx, a.objects, user.ID, name, contentType, data, a.shareTTL, now)
	if err != nil {
		return storage.SharedFile{}, fmt.Errorf("share file: %w", err)
	}
	return shared, nil
}

type field struct {
	name string
	err  error
}

// validateFields folds per-field errors into one ValidationError.
func validateFields(fields ...field) error {
	var out []domain.FieldError
	for _, f := range fields {
		if f.err != nil {
			out = append(out, domain.FieldError{Field: f.name, Message: f.err.Error()})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return &domain.ValidationError{Message: out[0].Message, Fields: out}
}

// Policy returns the quota policy that applies to p right now.
func (a *App) Policy(p domain.Principal) quota.Policy {
	return a.gate.Policies().For(p.Kind, a.now())
}

// Descriptor looks up a registered tool.
func (a *App) Descriptor(op string) (registry.Descriptor, bool) {
	return a.pipeline.Registry().Lookup(op)
}

package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pdfpage/pkg/dispatch"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/pdfengine"
	"pdfpage/pkg/pdfengine/pdftest"
	"pdfpage/pkg/pipeline"
	"pdfpage/pkg/quota"
	"pdfpage/pkg/registry"
	"pdfpage/pkg/storage"
	"pdfpage/pkg/store"
)

const testSecret = "app-test-secret-0123456789"

type testApp struct {
	*App
	store   *store.MemoryStore
	objects *storage.MemoryStore
	now     time.Time
}

func newTestApp(t *testing.T, policies quota.Policies) *testApp {
	t.Helper()
	ta := &testApp{
		store:   store.NewMemoryStore(),
		objects: storage.NewMemoryStore("https://objects.test"),
		now:     time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return ta.now }
	sessions, err := store.NewJWTHS256SessionStore(testSecret, time.Hour, store.JWTOptions{Now: clock})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	qs := quota.NewStore(ta.store, quota.NewMemoryBackend(), quota.WithClock(clock))
	gate := quota.NewGate(qs, policies)
	recorder := quota.NewRecorder(ta.store)
	engine := pdfengine.New()
	pipe, err := pipeline.New(pipeline.Config{
		Registry:        registry.Default(),
		Dispatcher:      dispatch.NewDirect(pdfengine.NewExecutor(engine)),
		Gate:            gate,
		Recorder:        recorder,
		Pages:           engine,
		GateServerRoute: true,
		Now:             clock,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	a, err := New(Config{
		Store:    ta.store,
		Sessions: sessions,
		Gate:     gate,
		Pipeline: pipe,
		Recorder: recorder,
		Objects:  ta.objects,
		Now:      clock,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ta.App = a
	return ta
}

func TestRegisterLoginAndToken(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, quota.DefaultPolicies())

	user, token, err := a.Register(ctx, "  Ann Lee ", "Ann@Example.com", "Secret12")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "ann@example.com" || user.Name != "Ann Lee" || token == "" {
		t.Fatalf("unexpected registration %+v token=%q", user, token)
	}
	if _, _, err := a.Register(ctx, "Ann", "ann@example.com", "Secret12"); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected duplicate email, got %v", err)
	}

	logged, token, err := a.Login(ctx, "ANN@example.com", "Secret12")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.LoginCount != 1 || !logged.LastLogin.Equal(a.now) {
		t.Fatalf("login counters not updated: %+v", logged)
	}
	got, err := a.UserFromToken(ctx, token)
	if err != nil || got.ID != user.ID {
		t.Fatalf("user from token: %+v err=%v", got, err)
	}
	p, err := a.Principal(ctx, token, "ignored-session")
	if err != nil || p.Kind != domain.TierFree || p.UserID != user.ID {
		t.Fatalf("principal = %+v err=%v", p, err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, quota.DefaultPolicies())
	if _, _, err := a.Register(ctx, "Ann", "ann@example.com", "Secret12"); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, _, wrongPassword := a.Login(ctx, "ann@example.com", "Wrong123")
	_, _, unknownEmail := a.Login(ctx, "bob@example.com", "Secret12")
	if !errors.Is(wrongPassword, ErrInvalidCredentials) || !errors.Is(unknownEmail, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v / %v", wrongPassword, unknownEmail)
	}
	if wrongPassword.Error() != unknownEmail.Error() {
		t.Fatalf("messages differ: %q vs %q", wrongPassword, unknownEmail)
	}
}

func TestRegisterValidation(t *testing.T) {
	a := newTestApp(t, quota.DefaultPolicies())
	_, _, err := a.Register(context.Background(), "A", "not-an-email", "short")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := map[string]bool{}
	for _, f := range ve.Fields {
		fields[f.Field] = true
	}
	if !fields["name"] || !fields["email"] || !fields["password"] {
		t.Fatalf("expected name, email and password errors, got %+v", ve.Fields)
	}
}

func TestUpdateProfileAndChangePassword(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, quota.DefaultPolicies())
	ann, _, _ := a.Register(ctx, "Ann", "ann@example.com", "Secret12")
	if _, _, err := a.Register(ctx, "Bob", "bob@example.com", "Secret12"); err != nil {
		t.Fatalf("register bob: %v", err)
	}

	if _, err := a.UpdateProfile(ctx, ann, "", "bob@example.com"); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	updated, err := a.UpdateProfile(ctx, ann, "Ann Marie", "")
	if err != nil || updated.Name != "Ann Marie" || updated.Email != "ann@example.com" {
		t.Fatalf("update profile: %+v err=%v", updated, err)
	}

	if err := a.ChangePassword(ctx, updated, "Wrong123", "Newpass1"); !errors.Is(err, ErrCurrentPasswordWrong) {
		t.Fatalf("expected wrong current password, got %v", err)
	}
	if err := a.ChangePassword(ctx, updated, "Secret12", "weak"); !domain.IsValidation(err) {
		t.Fatalf("expected weak password rejection, got %v", err)
	}
	if err := a.ChangePassword(ctx, updated, "Secret12", "Newpass1"); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if _, _, err := a.Login(ctx, "ann@example.com", "Newpass1"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestTrackAndCheckLimit(t *testing.T) {
	ctx := context.Background()
	policies := quota.DefaultPolicies()
	policies.Anonymous.MaxDailyUploads = 2
	a := newTestApp(t, policies)
	anon := domain.AnonymousPrincipal("sess-track-0001")

	st, err := a.CheckLimit(ctx, anon)
	if err != nil || !st.CanUpload || st.Remaining != 2 {
		t.Fatalf("initial status %+v err=%v", st, err)
	}
	for i := 0; i < 2; i++ {
		if _, err := a.Track(ctx, anon, TrackRequest{Tool: "watermark", FileCount: 1, TotalSize: 1024}); err != nil {
			t.Fatalf("track %d: %v", i, err)
		}
	}
	_, err = a.Track(ctx, anon, TrackRequest{Tool: "watermark", FileCount: 1, TotalSize: 1024})
	var qe *domain.QuotaError
	if !errors.As(err, &qe) || qe.Reason != domain.ReasonDailyLimit {
		t.Fatalf("expected daily-limit, got %v", err)
	}
	st, _ = a.CheckLimit(ctx, anon)
	if st.CanUpload || st.Remaining != 0 || !strings.Contains(st.Message, "Daily limit") {
		t.Fatalf("exhausted status %+v", st)
	}
	events := a.store.Events()
	if len(events) != 2 || events[0].Operation != "watermark" || events[0].Source != domain.SourceLocal {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestTrackRejectsOversizedDeclaredTotal(t *testing.T) {
	a := newTestApp(t, quota.DefaultPolicies())
	anon := domain.AnonymousPrincipal("sess-track-0002")
	_, err := a.Track(context.Background(), anon, TrackRequest{Tool: "merge", FileCount: 3, TotalSize: 500 * quota.MB})
	var qe *domain.QuotaError
	if !errors.As(err, &qe) || qe.Reason != domain.ReasonPerOpSize {
		t.Fatalf("expected per-op-size, got %v", err)
	}
}

func TestTrackedInputsSpreadTotal(t *testing.T) {
	inputs := trackedInputs(3, 10)
	if len(inputs) != 3 || domain.TotalSize(inputs) != 10 {
		t.Fatalf("unexpected inputs %+v", inputs)
	}
	if got := trackedInputs(0, 7); len(got) != 1 || got[0].Size != 7 {
		t.Fatalf("zero count should yield one input, got %+v", got)
	}
}

func TestRunOperationMerge(t *testing.T) {
	a := newTestApp(t, quota.DefaultPolicies())
	anon := domain.AnonymousPrincipal("sess-merge-0001")
	inputs := []domain.Input{
		{Name: "a.pdf", Bytes: pdftest.Build(pdftest.Pages(1, pdftest.A4))},
		{Name: "b.pdf", Bytes: pdftest.Build(pdftest.Pages(1, pdftest.A4))},
	}
	res, err := a.RunOperation(context.Background(), anon, "merge", inputs, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(res.Artifacts) != 1 || res.Source != domain.SourceServer {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(a.store.Events()) != 1 {
		t.Fatalf("expected one usage event")
	}
}

func TestShareFileRequiresPremium(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, quota.DefaultPolicies())
	user, _, _ := a.Register(ctx, "Ann", "ann@example.com", "Secret12")

	_, err := a.ShareFile(ctx, user, "report.pdf", "application/pdf", []byte("%PDF-1.4"))
	var qe *domain.QuotaError
	if !errors.As(err, &qe) || qe.Reason != domain.ReasonTierRequired {
		t.Fatalf("expected tier-required, got %v", err)
	}

	user.PremiumPlan = domain.PlanMonthly
	user.PremiumExpiry = a.now.Add(72 * time.Hour)
	shared, err := a.ShareFile(ctx, user, "../report 1.pdf", "application/pdf", []byte("%PDF-1.4"))
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if shared.Name != "report_1.pdf" || shared.Size != 8 || !shared.ExpiresAt.Equal(a.now.Add(storage.DefaultShareTTL)) {
		t.Fatalf("unexpected share %+v", shared)
	}
	if _, ct, ok := a.objects.Get(shared.Key); !ok || ct != "application/pdf" {
		t.Fatalf("object not stored: ok=%v ct=%q", ok, ct)
	}
}

func TestToolsListing(t *testing.T) {
	a := newTestApp(t, quota.DefaultPolicies())
	tools := a.Tools(domain.TierFree)
	if len(tools) == 0 {
		t.Fatalf("expected tools")
	}
	var merge *registry.Info
	for i := range tools {
		if tools[i].Name == "merge" {
			merge = &tools[i]
		}
	}
	if merge == nil || !merge.Server || !merge.Local || merge.MaxBytes != 25*quota.MB {
		t.Fatalf("unexpected merge info %+v", merge)
	}
}

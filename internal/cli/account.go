package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pdfpage/pkg/dispatch"
	"pdfpage/pkg/domain"
)

const statusTimeout = 10 * time.Second

func (a *App) register(ctx context.Context, args []string) error {
	fs := a.flags("register")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var err error
	if *name == "" {
		if *name, err = promptLine(a.in, a.out, "Name"); err != nil {
			return err
		}
	}
	if *email == "" {
		if *email, err = promptLine(a.in, a.out, "Email"); err != nil {
			return err
		}
	}
	password, err := promptPassword(a.in, a.out, "Password")
	if err != nil {
		return err
	}
	res, err := a.rt.Client.Register(ctx, *name, *email, password)
	if err != nil {
		return err
	}
	if err := a.rt.State.SetAuth(res.Token, res.User); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Fprintf(a.out, "Registered and signed in as %s\n", res.User.Email)
	return nil
}

func (a *App) login(ctx context.Context, args []string) error {
	fs := a.flags("login")
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var err error
	if *email == "" {
		if *email, err = promptLine(a.in, a.out, "Email"); err != nil {
			return err
		}
	}
	password, err := promptPassword(a.in, a.out, "Password")
	if err != nil {
		return err
	}
	res, err := a.rt.Client.Login(ctx, *email, password)
	if err != nil {
		return err
	}
	if err := a.rt.State.SetAuth(res.Token, res.User); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Fprintf(a.out, "Signed in as %s (%s)\n", res.User.Email, planLabel(res.User))
	return nil
}

func (a *App) logout(ctx context.Context, _ []string) error {
	if token := a.rt.State.Token(); token != "" {
		// The server keeps no session; a failed acknowledgement is harmless.
		_ = a.rt.Client.Logout(ctx, token)
	}
	if err := a.rt.State.ClearAuth(); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	fmt.Fprintln(a.out, "Signed out")
	return nil
}

func (a *App) whoami(ctx context.Context, _ []string) error {
	p, err := a.rt.Identity.Resolve(ctx)
	if err != nil {
		return err
	}
	if p.Kind == domain.TierAnonymous {
		fmt.Fprintf(a.out, "anonymous (session %s)\n", p.SessionID)
		return nil
	}
	st, err := a.rt.State.Load()
	if err != nil {
		return err
	}
	if st.User == nil {
		fmt.Fprintf(a.out, "%s user %s\n", p.Kind, p.UserID)
		return nil
	}
	fmt.Fprintf(a.out, "%s <%s>\n", st.User.Name, st.User.Email)
	fmt.Fprintf(a.out, "plan:   %s\n", planLabel(*st.User))
	fmt.Fprintf(a.out, "logins: %d\n", st.User.LoginCount)
	return nil
}

func (a *App) usage(ctx context.Context, _ []string) error {
	sid, err := a.rt.State.SessionID()
	if err != nil {
		return err
	}
	st, err := a.rt.Client.CheckLimit(ctx, a.rt.State.Token(), sid)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "remaining uploads today: %s\n", st.RemainingUploads)
	if st.Message != "" {
		fmt.Fprintln(a.out, st.Message)
	}
	return nil
}

// status reports server reachability and, when up, the quota snapshot.
func (a *App) status(ctx context.Context, _ []string) error {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	state := a.rt.Probe.Check(ctx)
	if state.Status != dispatch.StatusUp {
		fmt.Fprintf(a.out, "server: %s (%s)\n", state.Status, a.rt.Client.BaseURL())
		fmt.Fprintln(a.out, "local tools keep working offline; server-only tools are unavailable")
		return nil
	}
	fmt.Fprintf(a.out, "server: up (%s)\n", a.rt.Client.BaseURL())
	return a.usage(ctx, nil)
}

func (a *App) upload(ctx context.Context, args []string) error {
	fs := a.flags("upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usageError{"expected exactly one file"}
	}
	token := a.rt.State.Token()
	if token == "" {
		return &domain.AuthError{Message: "Cloud upload requires signing in"}
	}
	path := fs.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f, err := a.rt.Client.UploadCloud(ctx, token, filepath.Base(path), data)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "uploaded %s (%d bytes)\n%s\n", f.Name, f.Size, f.URL)
	return nil
}

func planLabel(u domain.UserView) string {
	if !u.IsPremium {
		return "free"
	}
	plan := u.PremiumPlan
	if plan == "" {
		plan = "premium"
	}
	return fmt.Sprintf("%s, %d days left", plan, u.PremiumDaysRemaining)
}

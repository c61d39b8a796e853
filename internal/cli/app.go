// Package cli implements the pdfpage command line client.
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"pdfpage/pkg/client"
	"pdfpage/pkg/domain"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// App runs one CLI invocation against a client runtime.
type App struct {
	rt  *client.Runtime
	in  *bufio.Reader
	out io.Writer
	err io.Writer
}

func New(rt *client.Runtime, in io.Reader, out, errOut io.Writer) *App {
	return &App{rt: rt, in: bufio.NewReader(in), out: out, err: errOut}
}

type command struct {
	summary string
	run     func(a *App, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"register":    {"create an account", (*App).register},
	"login":       {"sign in and store the token", (*App).login},
	"logout":      {"forget the stored token", (*App).logout},
	"whoami":      {"show the current identity", (*App).whoami},
	"usage":       {"show remaining uploads for today", (*App).usage},
	"status":      {"check server connectivity and quota", (*App).status},
	"tools":       {"list available tools", (*App).tools},
	"merge":       {"merge PDFs in the given order", opCommand("merge")},
	"split":       {"split PDFs into pages", opCommand("split", param("page", "extract only this page"))},
	"compress":    {"reduce PDF size", opCommand("compress", param("quality", "compression quality"))},
	"rotate":      {"rotate every page", opCommand("rotate", param("angle", "90, 180 or 270"))},
	"to-image":    {"render pages to JPEG", opCommand("pdf-to-image", param("dpi", "render resolution"), param("quality", "JPEG quality"))},
	"word-to-pdf": {"convert Word documents to PDF", opCommand("word-to-pdf")},
	"pdf-to-word": {"convert PDFs to Word documents", opCommand("pdf-to-word")},
	"upload":      {"share a file via cloud storage (premium)", (*App).upload},
}

// Run executes args (without the program name) and returns the exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		a.usageText()
		if len(args) == 0 {
			return ExitUsage
		}
		return ExitOK
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(a.err, "unknown command %q\n", args[0])
		a.usageText()
		return ExitUsage
	}
	if err := cmd.run(a, ctx, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		var ue usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(a.err, "%s: %s\n", args[0], ue.msg)
			return ExitUsage
		}
		if !errors.Is(err, errReported) {
			fmt.Fprintf(a.err, "error: %s\n", describe(err))
		}
		return ExitError
	}
	return ExitOK
}

func (a *App) usageText() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(a.err, "usage: pdfpage <command> [flags] [files...]")
	fmt.Fprintln(a.err, "\ncommands:")
	for _, name := range names {
		fmt.Fprintf(a.err, "  %-12s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(a.err, "\nenvironment: PDFPAGE_API_URL, PDFPAGE_STATE")
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

// errReported marks a failure whose details were already printed.
var errReported = errors.New("reported")

func (a *App) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.err)
	return fs
}

// describe renders an error for a terminal user.
func describe(err error) string {
	var (
		quotaErr *domain.QuotaError
		valErr   *domain.ValidationError
		engErr   *domain.EngineError
	)
	switch {
	case errors.As(err, &quotaErr):
		return quotaErr.Error()
	case errors.As(err, &valErr):
		if len(valErr.Fields) > 1 {
			msgs := make([]string, len(valErr.Fields))
			for i, f := range valErr.Fields {
				msgs[i] = f.Message
			}
			return strings.Join(msgs, "; ")
		}
		return valErr.Error()
	case errors.As(err, &engErr):
		return engErr.Error()
	case domain.IsAuth(err):
		return err.Error() + " (run: pdfpage login)"
	case domain.IsUnavailable(err):
		return err.Error()
	case client.IsTransport(err):
		return "server unreachable: " + err.Error()
	}
	return err.Error()
}

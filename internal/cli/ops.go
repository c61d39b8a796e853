package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"pdfpage/pkg/domain"
)

type paramFlag struct {
	name  string
	usage string
}

func param(name, usage string) paramFlag {
	return paramFlag{name: name, usage: usage}
}

// opCommand builds a command that runs op through the pipeline. Tools that
// take one input run once per file; an engine failure on one file is
// reported and the batch continues.
func opCommand(op string, params ...paramFlag) func(*App, context.Context, []string) error {
	return func(a *App, ctx context.Context, args []string) error {
		fset := a.flags(op)
		outDir := fset.String("o", ".", "output directory")
		values := make(map[string]*string, len(params))
		for _, p := range params {
			values[p.name] = fset.String(p.name, "", p.usage)
		}
		if err := fset.Parse(args); err != nil {
			return err
		}
		files := fset.Args()
		if len(files) == 0 {
			return usageError{"no input files"}
		}
		opParams := domain.Params{}
		for name, v := range values {
			if *v != "" {
				opParams[name] = *v
			}
		}

		desc, ok := a.rt.Pipeline.Registry().Lookup(op)
		if !ok {
			return fmt.Errorf("unknown tool %q", op)
		}
		if desc.MaxInputs != 1 {
			return a.runOnce(ctx, op, files, opParams, *outDir)
		}

		failed := 0
		for _, path := range files {
			err := a.runOnce(ctx, op, []string{path}, opParams, *outDir)
			if err == nil {
				continue
			}
			if !continuable(err) {
				return err
			}
			failed++
			fmt.Fprintf(a.err, "%s: %s\n", path, describe(err))
		}
		if failed > 0 {
			fmt.Fprintf(a.err, "%d of %d files failed\n", failed, len(files))
			return errReported
		}
		return nil
	}
}

// continuable reports whether a batch may go on after err.
func continuable(err error) bool {
	var engErr *domain.EngineError
	return errors.As(err, &engErr) || errors.Is(err, fs.ErrNotExist)
}

func (a *App) runOnce(ctx context.Context, op string, paths []string, params domain.Params, outDir string) error {
	inputs, err := readInputs(paths)
	if err != nil {
		return err
	}
	res, err := a.rt.Run(ctx, op, inputs, params)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, art := range res.Artifacts {
		dst := filepath.Join(outDir, filepath.Base(art.SuggestedName))
		if slices.Contains(paths, dst) {
			return fmt.Errorf("refusing to overwrite input %s", dst)
		}
		if err := os.WriteFile(dst, art.Bytes, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		fmt.Fprintf(a.out, "wrote %s\n", dst)
	}
	if slices.Contains(res.Warnings, domain.WarningDegraded) {
		fmt.Fprintln(a.err, "warning: server unreachable, processed offline")
	}
	fmt.Fprintf(a.out, "%s done (%s), remaining uploads: %s\n", op, res.Source, domain.RemainingUploads(res.Admission.Remaining))
	return nil
}

func readInputs(paths []string) ([]domain.Input, error) {
	inputs := make([]domain.Input, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, domain.Input{Name: filepath.Base(path), Bytes: data, Size: int64(len(data))})
	}
	return inputs, nil
}

func (a *App) tools(_ context.Context, _ []string) error {
	for _, d := range a.rt.Pipeline.Registry().List() {
		where := "server"
		switch {
		case d.HasServer() && d.HasLocal():
			where = "server+offline"
		case d.HasLocal():
			where = "offline"
		}
		fmt.Fprintf(a.out, "%-14s %-15s %s\n", d.Name, where, d.Description)
	}
	return nil
}

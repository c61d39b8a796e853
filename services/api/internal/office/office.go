// Package office converts between Word documents and PDF with a headless
// LibreOffice process.
package office

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"pdfpage/pkg/dispatch"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/registry"
)

const defaultTimeout = 90 * time.Second

// ErrConverterMissing is returned when soffice cannot be found.
var ErrConverterMissing = errors.New("soffice not found in PATH")

// Target formats accepted by Convert.
const (
	TargetPDF  = "pdf"
	TargetDOCX = "docx"
)

// Converter runs soffice --convert-to in a scratch directory per call.
type Converter struct {
	bin     string
	timeout time.Duration
}

// NewConverter uses bin, or "soffice" from PATH when empty.
func NewConverter(bin string) *Converter {
	if strings.TrimSpace(bin) == "" {
		bin = "soffice"
	}
	return &Converter{bin: bin, timeout: defaultTimeout}
}

// Available reports whether the soffice binary can be found.
func (c *Converter) Available() bool {
	_, err := exec.LookPath(c.bin)
	return err == nil
}

// Convert writes data under name, converts it to target and returns the
// produced file. Each call gets its own LibreOffice profile so concurrent
// conversions do not contend for the user installation lock.
func (c *Converter) Convert(ctx context.Context, data []byte, name, target string) ([]byte, error) {
	path, err := exec.LookPath(c.bin)
	if err != nil {
		return nil, ErrConverterMissing
	}
	dir, err := os.MkdirTemp("", "pdfpage-office-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inName := "input" + strings.ToLower(filepath.Ext(name))
	inPath := filepath.Join(dir, inName)
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}
	outDir := filepath.Join(dir, "out")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("create out dir: %w", err)
	}

	args := []string{
		"-env:UserInstallation=file://" + filepath.ToSlash(filepath.Join(dir, "profile")),
		"--headless", "--norestore", "--nologo",
	}
	convertTo := target
	if target == TargetDOCX {
		args = append(args, "--infilter=writer_pdf_import")
		convertTo = `docx:MS Word 2007 XML`
	}
	args = append(args, "--convert-to", convertTo, "--outdir", outDir, inPath)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("soffice: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	out, err := os.ReadFile(filepath.Join(outDir, "input."+target))
	if err != nil {
		return nil, fmt.Errorf("soffice produced no %s output: %w", target, err)
	}
	return out, nil
}

// Executor handles the document conversion tools and hands every other
// operation to next.
type Executor struct {
	conv *Converter
	next dispatch.Executor
}

func NewExecutor(conv *Converter, next dispatch.Executor) *Executor {
	return &Executor{conv: conv, next: next}
}

func (x *Executor) Execute(ctx context.Context, desc registry.Descriptor, req domain.DispatchRequest) ([]domain.Artifact, error) {
	var target string
	switch desc.Name {
	case "word-to-pdf":
		target = TargetPDF
	case "pdf-to-word":
		target = TargetDOCX
	default:
		if x.next == nil {
			return nil, &domain.EngineError{Kind: domain.EngineUnsupported, Details: desc.Name}
		}
		return x.next.Execute(ctx, desc, req)
	}
	if len(req.Inputs) == 0 {
		return nil, domain.Validationf("no input files")
	}
	if x.conv == nil || !x.conv.Available() {
		return nil, &domain.ServiceUnavailableError{Message: "Document conversion is not available on this server"}
	}
	in := req.Inputs[0]
	out, err := x.conv.Convert(ctx, in.Bytes, in.Name, target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.EngineError{Kind: domain.EngineConvert, File: in.Name, Details: "conversion failed", Err: err}
	}
	base := strings.TrimSuffix(filepath.Base(in.Name), filepath.Ext(in.Name))
	return []domain.Artifact{{Bytes: out, SuggestedName: base + "." + target, MIME: desc.OutputMIME}}, nil
}

// Package pdfengine runs PDF operations in memory: pdfcpu for page-level
// manipulation, ledongthuc/pdf for inspection and poppler for rendering.
package pdfengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"
	"pdfpage/pkg/domain"
)

const defaultWorkers = 4

var disableConfigDir sync.Once

// Engine is safe for concurrent use.
type Engine struct {
	renderer Renderer
	workers  int
}

// Option configures an Engine.
type Option func(*Engine)

// WithRenderer replaces the page renderer used by Rasterize.
func WithRenderer(r Renderer) Option {
	return func(e *Engine) {
		if r != nil {
			e.renderer = r
		}
	}
}

// WithWorkers bounds per-page fan-out in Split and Rasterize.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func New(opts ...Option) *Engine {
	disableConfigDir.Do(api.DisableConfigDir)
	e := &Engine{
		renderer: NewPopplerRenderer(""),
		workers:  defaultWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Merge concatenates inputs in order, copying every page.
func (e *Engine) Merge(inputs []domain.Input) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, domain.Validationf("no input files")
	}
	readers := make([]io.ReadSeeker, 0, len(inputs))
	for _, in := range inputs {
		readers = append(readers, bytes.NewReader(in.Bytes))
	}
	var out bytes.Buffer
	err := guard(func() error {
		return api.MergeRaw(readers, &out, false, newConfig())
	})
	if err != nil {
		// Find the offending input for the report.
		for _, in := range inputs {
			if _, perr := e.PageCount(in); perr != nil {
				return nil, perr
			}
		}
		return nil, engineErr(err, "")
	}
	return out.Bytes(), nil
}

// Split returns one single-page document per source page, in page order.
func (e *Engine) Split(in domain.Input) ([][]byte, error) {
	n, err := e.PageCount(in)
	if err != nil {
		return nil, err
	}
	pages := make([]int, n)
	for i := range pages {
		pages[i] = i + 1
	}
	return e.extract(in, pages)
}

// ExtractPage returns page (1-based) as a single-page document.
func (e *Engine) ExtractPage(in domain.Input, page int) ([]byte, error) {
	n, err := e.PageCount(in)
	if err != nil {
		return nil, err
	}
	if page < 1 || page > n {
		return nil, &domain.ValidationError{
			Message: fmt.Sprintf("page %d out of range 1-%d", page, n),
			Fields:  []domain.FieldError{{Field: "page", Message: "page out of range"}},
		}
	}
	out, err := e.extract(in, []int{page})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *Engine) extract(in domain.Input, pages []int) ([][]byte, error) {
	out := make([][]byte, len(pages))
	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for i, page := range pages {
		g.Go(func() error {
			var buf bytes.Buffer
			err := guard(func() error {
				return api.Trim(bytes.NewReader(in.Bytes), &buf, []string{strconv.Itoa(page)}, newConfig())
			})
			if err != nil {
				return engineErr(err, in.Name)
			}
			out[i] = buf.Bytes()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Rotate adds angle to every page's rotation.
func (e *Engine) Rotate(in domain.Input, angle int) ([]byte, error) {
	switch angle {
	case 90, 180, 270:
	default:
		return nil, &domain.ValidationError{
			Message: "Rotation angle must be 90, 180 or 270",
			Fields:  []domain.FieldError{{Field: "angle", Message: "invalid angle"}},
		}
	}
	var out bytes.Buffer
	err := guard(func() error {
		return api.Rotate(bytes.NewReader(in.Bytes), &out, angle, nil, newConfig())
	})
	if err != nil {
		return nil, engineErr(err, in.Name)
	}
	return out.Bytes(), nil
}

// CompressLite drops document metadata and re-saves the optimized object
// graph without object or xref streams. Embedded images are left as is.
func (e *Engine) CompressLite(in domain.Input) ([]byte, error) {
	conf := newConfig()
	conf.Cmd = model.OPTIMIZE
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false

	var out bytes.Buffer
	err := guard(func() error {
		ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(in.Bytes), conf)
		if err != nil {
			return err
		}
		ctx.WriteObjectStream = false
		ctx.WriteXRefStream = false
		ctx.Info = nil
		root, err := ctx.Catalog()
		if err != nil {
			return err
		}
		root.Delete("Metadata")
		return api.WriteContext(ctx, &out)
	})
	if err != nil {
		return nil, engineErr(err, in.Name)
	}
	return out.Bytes(), nil
}

// PageCount returns the number of pages of in.
func (e *Engine) PageCount(in domain.Input) (int, error) {
	var n int
	err := guard(func() error {
		var err error
		n, err = api.PageCount(bytes.NewReader(in.Bytes), newConfig())
		return err
	})
	if err != nil {
		return 0, engineErr(err, in.Name)
	}
	return n, nil
}

// guard converts a library panic on malformed input into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf library panic: %v", r)
		}
	}()
	return fn()
}

func engineErr(err error, file string) error {
	if err == nil {
		return nil
	}
	if domain.IsValidation(err) {
		return err
	}
	kind := domain.EngineInvalidPDF
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "encrypt"), strings.Contains(msg, "password"):
		kind = domain.EngineEncrypted
	case strings.Contains(msg, "unsupported"), strings.Contains(msg, "not supported"):
		kind = domain.EngineUnsupported
	}
	return &domain.EngineError{Kind: kind, File: file, Details: err.Error(), Err: err}
}

// withContext runs fn unless ctx is already done. Engine calls are not
// interrupted once started.
func withContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

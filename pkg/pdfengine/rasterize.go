package pdfengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"pdfpage/pkg/domain"
)

// RasterOptions configures Rasterize.
type RasterOptions struct {
	Quality  int // JPEG quality 10-100
	DPI      int // 72-300
	MaxPages int // 0 renders every page
}

const (
	DefaultQuality = 80
	DefaultDPI     = 150
)

// Renderer draws one page of a PDF at an exact pixel size.
type Renderer interface {
	RenderPage(ctx context.Context, data []byte, page, dpi, width, height int) (image.Image, error)
}

// ErrRendererMissing is returned when the poppler binary is not installed.
var ErrRendererMissing = errors.New("pdftoppm not found in PATH")

// PopplerRenderer shells out to poppler's pdftoppm, feeding the document on
// stdin and reading a PNG from stdout.
type PopplerRenderer struct {
	bin string
}

// NewPopplerRenderer uses bin, or "pdftoppm" from PATH when empty.
func NewPopplerRenderer(bin string) *PopplerRenderer {
	if strings.TrimSpace(bin) == "" {
		bin = "pdftoppm"
	}
	return &PopplerRenderer{bin: bin}
}

// Available reports whether the renderer binary can be found.
func (p *PopplerRenderer) Available() bool {
	_, err := exec.LookPath(p.bin)
	return err == nil
}

func (p *PopplerRenderer) RenderPage(ctx context.Context, data []byte, page, dpi, width, height int) (image.Image, error) {
	path, err := exec.LookPath(p.bin)
	if err != nil {
		return nil, ErrRendererMissing
	}
	pg := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, path,
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", pg, "-l", pg,
		"-scale-to-x", strconv.Itoa(width),
		"-scale-to-y", strconv.Itoa(height),
		"-singlefile",
		"-", "-",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", page, err, strings.TrimSpace(stderr.String()))
	}
	img, err := png.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("decode rendered page %d: %w", page, err)
	}
	return img, nil
}

// Rasterize renders the first min(pages, MaxPages) pages to JPEG images sized
// round(box_pt * dpi / 72) in each dimension.
func (e *Engine) Rasterize(ctx context.Context, in domain.Input, opts RasterOptions) ([][]byte, error) {
	if opts.Quality == 0 {
		opts.Quality = DefaultQuality
	}
	if opts.DPI == 0 {
		opts.DPI = DefaultDPI
	}
	if opts.Quality < 10 || opts.Quality > 100 || opts.DPI < 72 || opts.DPI > 300 {
		return nil, domain.Validationf("quality must be 10-100 and dpi 72-300")
	}
	doc, err := e.Inspect(in)
	if err != nil {
		return nil, err
	}
	pages := doc.Pages
	if opts.MaxPages > 0 && len(pages) > opts.MaxPages {
		pages = pages[:opts.MaxPages]
	}

	out := make([][]byte, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, info := range pages {
		g.Go(func() error {
			w, h := info.PixelSize(opts.DPI)
			img, err := e.renderer.RenderPage(gctx, in.Bytes, i+1, opts.DPI, w, h)
			if err != nil {
				return &domain.EngineError{Kind: domain.EngineRender, File: in.Name, Details: err.Error(), Err: err}
			}
			img = fitExact(img, w, h)
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.Quality}); err != nil {
				return &domain.EngineError{Kind: domain.EngineRender, File: in.Name, Details: err.Error(), Err: err}
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

// fitExact resamples img to w x h when the renderer rounded differently.
func fitExact(img image.Image, w, h int) image.Image {
	b := img.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

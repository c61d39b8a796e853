package pdfengine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"sync/atomic"
	"testing"

	"github.com/ledongthuc/pdf"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/pdfengine/pdftest"
	"pdfpage/pkg/registry"
)

func input(name string, spec pdftest.Spec) domain.Input {
	b := pdftest.Build(spec)
	return domain.Input{Bytes: b, Name: name, Size: int64(len(b))}
}

func mustInspect(t *testing.T, e *Engine, in domain.Input) Document {
	t.Helper()
	doc, err := e.Inspect(in)
	if err != nil {
		t.Fatalf("inspect %s: %v", in.Name, err)
	}
	return doc
}

func samePages(a, b []PageInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i].Width-b[i].Width) > 0.01 || math.Abs(a[i].Height-b[i].Height) > 0.01 || a[i].Rotate != b[i].Rotate {
			return false
		}
	}
	return true
}

func TestInspectResolvesInheritedAttributes(t *testing.T) {
	e := New()
	in := input("inherit.pdf", pdftest.Spec{
		ParentBox:    &[2]float64{400, 500},
		ParentRotate: 90,
		Pages: []pdftest.Page{
			{},
			{Width: 612, Height: 792, Rotate: 180},
			{CropBox: &[4]float64{10, 10, 110, 210}},
		},
	})
	doc := mustInspect(t, e, in)
	want := []PageInfo{
		{Width: 400, Height: 500, Rotate: 90},
		{Width: 612, Height: 792, Rotate: 180},
		{Width: 100, Height: 200, Rotate: 90},
	}
	if !samePages(doc.Pages, want) {
		t.Fatalf("pages = %+v, want %+v", doc.Pages, want)
	}
}

func TestMergePreservesOrder(t *testing.T) {
	e := New()
	a := input("a.pdf", pdftest.Pages(1, pdftest.Letter))
	b := input("b.pdf", pdftest.Pages(2, pdftest.A4))
	c := input("c.pdf", pdftest.Pages(1, pdftest.Page{Width: 300, Height: 300}))

	out, err := e.Merge([]domain.Input{a, b, c})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	var want []PageInfo
	for _, in := range []domain.Input{a, b, c} {
		want = append(want, mustInspect(t, e, in).Pages...)
	}
	got := mustInspect(t, e, domain.Input{Bytes: out, Name: "merged.pdf"})
	if !samePages(got.Pages, want) {
		t.Fatalf("merged pages = %+v, want %+v", got.Pages, want)
	}
}

func TestMergeOfSplitRoundTrips(t *testing.T) {
	e := New()
	x := input("x.pdf", pdftest.Spec{Pages: []pdftest.Page{
		pdftest.Letter,
		pdftest.A4,
		{Width: 200, Height: 400, Rotate: 90},
	}})
	parts, err := e.Split(x)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("split produced %d parts", len(parts))
	}
	inputs := make([]domain.Input, len(parts))
	for i, p := range parts {
		inputs[i] = domain.Input{Bytes: p, Name: "part.pdf"}
		if n, err := e.PageCount(inputs[i]); err != nil || n != 1 {
			t.Fatalf("part %d page count = %d err=%v", i, n, err)
		}
	}
	merged, err := e.Merge(inputs)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	got := mustInspect(t, e, domain.Input{Bytes: merged})
	if !samePages(got.Pages, mustInspect(t, e, x).Pages) {
		t.Fatalf("merge(split(x)) pages = %+v", got.Pages)
	}
}

func TestExtractPageRange(t *testing.T) {
	e := New()
	x := input("x.pdf", pdftest.Spec{Pages: []pdftest.Page{pdftest.Letter, pdftest.A4}})
	out, err := e.ExtractPage(x, 2)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	doc := mustInspect(t, e, domain.Input{Bytes: out})
	if len(doc.Pages) != 1 || doc.Pages[0].Width != 595 {
		t.Fatalf("extracted pages = %+v", doc.Pages)
	}
	if _, err := e.ExtractPage(x, 3); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for page out of range, got %v", err)
	}
}

func TestRotateComposesToIdentity(t *testing.T) {
	e := New()
	x := input("x.pdf", pdftest.Spec{Pages: []pdftest.Page{
		pdftest.Letter,
		{Width: 612, Height: 792, Rotate: 90},
	}})
	once, err := e.Rotate(x, 90)
	if err != nil {
		t.Fatalf("rotate 90: %v", err)
	}
	mid := mustInspect(t, e, domain.Input{Bytes: once})
	if mid.Pages[0].Rotate != 90 || mid.Pages[1].Rotate != 180 {
		t.Fatalf("rotation should be additive, got %+v", mid.Pages)
	}
	twice, err := e.Rotate(domain.Input{Bytes: once}, 270)
	if err != nil {
		t.Fatalf("rotate 270: %v", err)
	}
	got := mustInspect(t, e, domain.Input{Bytes: twice})
	if !samePages(got.Pages, mustInspect(t, e, x).Pages) {
		t.Fatalf("rotate(rotate(x,90),270) = %+v", got.Pages)
	}
	if _, err := e.Rotate(x, 45); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for 45 degrees, got %v", err)
	}
}

func TestCompressLiteStripsMetadata(t *testing.T) {
	e := New()
	x := input("report.pdf", pdftest.Spec{
		Pages:       []pdftest.Page{pdftest.Letter, pdftest.Letter},
		Title:       "Quarterly numbers",
		Author:      "Finance",
		XMPMetadata: true,
	})
	out, err := e.CompressLite(x)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	r, err := pdf.NewReader(bytes.NewReader(out), int64(len(out)))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if r.NumPage() != 2 {
		t.Fatalf("page count = %d", r.NumPage())
	}
	info := r.Trailer().Key("Info")
	if title := info.Key("Title").Text(); title != "" {
		t.Fatalf("title survived: %q", title)
	}
	if author := info.Key("Author").Text(); author != "" {
		t.Fatalf("author survived: %q", author)
	}
	if !r.Trailer().Key("Root").Key("Metadata").IsNull() {
		t.Fatalf("catalog metadata stream survived")
	}
	if bytes.Contains(out, []byte("/ObjStm")) {
		t.Fatalf("output should not use object streams")
	}
}

func TestInvalidInputIsEngineError(t *testing.T) {
	e := New()
	junk := domain.Input{Bytes: []byte("definitely not a pdf"), Name: "junk.pdf"}
	_, err := e.PageCount(junk)
	var eerr *domain.EngineError
	if !errors.As(err, &eerr) || eerr.Kind != domain.EngineInvalidPDF || eerr.File != "junk.pdf" {
		t.Fatalf("expected invalid-pdf engine error, got %v", err)
	}
	if _, err := e.Merge([]domain.Input{input("a.pdf", pdftest.Pages(1, pdftest.Letter)), junk}); !errors.As(err, &eerr) || eerr.File != "junk.pdf" {
		t.Fatalf("merge should name the bad input, got %v", err)
	}
}

// offByOneRenderer returns images one pixel wider than requested, which
// Rasterize must correct.
type offByOneRenderer struct {
	calls atomic.Int32
}

func (r *offByOneRenderer) RenderPage(_ context.Context, _ []byte, _ int, _ int, w, h int) (image.Image, error) {
	r.calls.Add(1)
	img := image.NewRGBA(image.Rect(0, 0, w+1, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w+1; x++ {
			img.Set(x, y, color.White)
		}
	}
	return img, nil
}

func TestRasterizeDimensionsAndPageCap(t *testing.T) {
	renderer := &offByOneRenderer{}
	e := New(WithRenderer(renderer))
	x := input("x.pdf", pdftest.Spec{Pages: []pdftest.Page{
		pdftest.Letter,
		{Width: 612, Height: 792, Rotate: 90},
		pdftest.A4,
	}})

	images, err := e.Rasterize(context.Background(), x, RasterOptions{Quality: 70, DPI: 100, MaxPages: 2})
	if err != nil {
		t.Fatalf("rasterize: %v", err)
	}
	if len(images) != 2 || renderer.calls.Load() != 2 {
		t.Fatalf("rendered %d images with %d calls, want 2", len(images), renderer.calls.Load())
	}
	want := [][2]int{{850, 1100}, {1100, 850}}
	for i, b := range images {
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("image %d not a jpeg: %v", i, err)
		}
		if cfg.Width != want[i][0] || cfg.Height != want[i][1] {
			t.Fatalf("image %d = %dx%d, want %dx%d", i, cfg.Width, cfg.Height, want[i][0], want[i][1])
		}
	}
}

func TestRasterizeRejectsBadOptions(t *testing.T) {
	e := New(WithRenderer(&offByOneRenderer{}))
	x := input("x.pdf", pdftest.Pages(1, pdftest.Letter))
	if _, err := e.Rasterize(context.Background(), x, RasterOptions{Quality: 5, DPI: 100}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRasterizeWithPoppler(t *testing.T) {
	renderer := NewPopplerRenderer("")
	if !renderer.Available() {
		t.Skip("pdftoppm not installed")
	}
	e := New(WithRenderer(renderer))
	x := input("x.pdf", pdftest.Pages(2, pdftest.Page{Width: 144, Height: 72}))
	images, err := e.Rasterize(context.Background(), x, RasterOptions{Quality: 90, DPI: 72})
	if err != nil {
		t.Fatalf("rasterize: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("got %d images", len(images))
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(images[0]))
	if err != nil || cfg.Width != 144 || cfg.Height != 72 {
		t.Fatalf("poppler image = %+v err=%v", cfg, err)
	}
}

func TestExecutorArtifacts(t *testing.T) {
	x := NewExecutor(New(WithRenderer(&offByOneRenderer{})))
	reg := registry.Default()
	ctx := context.Background()
	doc := input("Report Final.pdf", pdftest.Pages(3, pdftest.Letter))

	split, _ := reg.Lookup("split")
	arts, err := x.Execute(ctx, split, domain.DispatchRequest{Inputs: []domain.Input{doc}})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(arts) != 3 || arts[2].SuggestedName != "Report Final_page_3.pdf" || arts[0].MIME != "application/pdf" {
		t.Fatalf("unexpected split artifacts: %d %+v", len(arts), arts[len(arts)-1])
	}

	rotate, _ := reg.Lookup("rotate")
	arts, err = x.Execute(ctx, rotate, domain.DispatchRequest{Inputs: []domain.Input{doc}, Params: domain.Params{"angle": "180"}})
	if err != nil || len(arts) != 1 || arts[0].SuggestedName != "Report Final_rotated.pdf" {
		t.Fatalf("rotate artifacts = %+v err=%v", arts, err)
	}

	raster, _ := reg.Lookup("pdf-to-jpg")
	arts, err = x.Execute(ctx, raster, domain.DispatchRequest{Inputs: []domain.Input{doc}, Params: domain.Params{"dpi": "72"}})
	if err != nil || len(arts) != 3 || arts[0].MIME != "image/jpeg" {
		t.Fatalf("raster artifacts = %d err=%v", len(arts), err)
	}

	word, _ := reg.Lookup("word-to-pdf")
	var eerr *domain.EngineError
	if _, err := x.Execute(ctx, word, domain.DispatchRequest{Inputs: []domain.Input{doc}}); !errors.As(err, &eerr) || eerr.Kind != domain.EngineUnsupported {
		t.Fatalf("server-only operation should be unsupported locally, got %v", err)
	}
}

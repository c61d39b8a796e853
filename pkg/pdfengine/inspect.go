package pdfengine

import (
	"bytes"
	"fmt"
	"math"

	"github.com/ledongthuc/pdf"
	"pdfpage/pkg/domain"
)

// PageInfo is the geometry of one page in points.
type PageInfo struct {
	Width  float64
	Height float64
	Rotate int
}

// Document summarizes a parsed PDF.
type Document struct {
	Pages []PageInfo
}

// Inspect reads page geometry. The visible box is the CropBox when present,
// else the MediaBox; both and Rotate are resolved through the page tree.
func (e *Engine) Inspect(in domain.Input) (doc Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.EngineError{Kind: domain.EngineInvalidPDF, File: in.Name, Details: fmt.Sprint(r)}
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(in.Bytes), int64(len(in.Bytes)))
	if err != nil {
		return Document{}, engineErr(err, in.Name)
	}
	n := r.NumPage()
	doc.Pages = make([]PageInfo, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			return Document{}, &domain.EngineError{Kind: domain.EngineInvalidPDF, File: in.Name, Details: fmt.Sprintf("page %d missing", i)}
		}
		box, ok := readBox(inherited(page.V, "CropBox"))
		if !ok {
			box, ok = readBox(inherited(page.V, "MediaBox"))
		}
		if !ok {
			return Document{}, &domain.EngineError{Kind: domain.EngineInvalidPDF, File: in.Name, Details: fmt.Sprintf("page %d has no MediaBox", i)}
		}
		rot := int(inherited(page.V, "Rotate").Int64())
		rot = ((rot % 360) + 360) % 360
		doc.Pages = append(doc.Pages, PageInfo{
			Width:  math.Abs(box[2] - box[0]),
			Height: math.Abs(box[3] - box[1]),
			Rotate: rot,
		})
	}
	return doc, nil
}

// inherited looks key up on the page and then on its ancestors.
func inherited(v pdf.Value, key string) pdf.Value {
	for depth := 0; depth < 32 && !v.IsNull(); depth++ {
		if val := v.Key(key); !val.IsNull() {
			return val
		}
		v = v.Key("Parent")
	}
	return pdf.Value{}
}

func readBox(v pdf.Value) ([4]float64, bool) {
	var box [4]float64
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return box, false
	}
	for i := 0; i < 4; i++ {
		box[i] = v.Index(i).Float64()
	}
	return box, box[2] != box[0] && box[3] != box[1]
}

// PixelSize returns the rendered size of p at dpi, accounting for rotation.
func (p PageInfo) PixelSize(dpi int) (int, int) {
	w := int(math.Round(p.Width * float64(dpi) / 72))
	h := int(math.Round(p.Height * float64(dpi) / 72))
	if p.Rotate == 90 || p.Rotate == 270 {
		w, h = h, w
	}
	return max(w, 1), max(h, 1)
}

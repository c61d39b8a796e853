// Package pdftest builds small, valid PDF documents for tests.
package pdftest

import (
	"bytes"
	"fmt"
	"strings"
)

// Page describes one page. A zero Width or Height leaves the MediaBox to
// be inherited from Spec.ParentBox.
type Page struct {
	Width   float64
	Height  float64
	CropBox *[4]float64
	Rotate  int
}

// Spec describes a document.
type Spec struct {
	Pages        []Page
	ParentBox    *[2]float64 // MediaBox on the page tree root
	ParentRotate int
	Title        string
	Author       string
	XMPMetadata  bool // attach a catalog /Metadata stream
}

// Letter is a US Letter page in points.
var Letter = Page{Width: 612, Height: 792}

// A4 is an ISO A4 page in points.
var A4 = Page{Width: 595, Height: 842}

// Pages returns a spec of n copies of p.
func Pages(n int, p Page) Spec {
	s := Spec{Pages: make([]Page, n)}
	for i := range s.Pages {
		s.Pages[i] = p
	}
	return s
}

// Build serializes spec into a PDF 1.4 file with a classic xref table.
func Build(spec Spec) []byte {
	var out bytes.Buffer
	offsets := []int{0}
	begin := func() int {
		offsets = append(offsets, out.Len())
		id := len(offsets) - 1
		fmt.Fprintf(&out, "%d 0 obj\n", id)
		return id
	}
	end := func() { out.WriteString("endobj\n") }

	n := len(spec.Pages)
	pageID := func(i int) int { return 3 + 2*i }
	hasInfo := spec.Title != "" || spec.Author != ""
	infoID, metaID := 0, 3+2*n
	if hasInfo {
		infoID, metaID = 3+2*n, 4+2*n
	}

	out.WriteString("%PDF-1.4\n%\xe2\xe3\xcf\xd3\n")

	begin()
	out.WriteString("<< /Type /Catalog /Pages 2 0 R")
	if spec.XMPMetadata {
		fmt.Fprintf(&out, " /Metadata %d 0 R", metaID)
	}
	out.WriteString(" >>\n")
	end()

	begin()
	kids := make([]string, n)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", pageID(i))
	}
	fmt.Fprintf(&out, "<< /Type /Pages /Kids [%s] /Count %d", strings.Join(kids, " "), n)
	if spec.ParentBox != nil {
		fmt.Fprintf(&out, " /MediaBox [0 0 %s %s]", num(spec.ParentBox[0]), num(spec.ParentBox[1]))
	}
	if spec.ParentRotate != 0 {
		fmt.Fprintf(&out, " /Rotate %d", spec.ParentRotate)
	}
	out.WriteString(" >>\n")
	end()

	for i, p := range spec.Pages {
		begin()
		out.WriteString("<< /Type /Page /Parent 2 0 R")
		if p.Width > 0 && p.Height > 0 {
			fmt.Fprintf(&out, " /MediaBox [0 0 %s %s]", num(p.Width), num(p.Height))
		}
		if p.CropBox != nil {
			c := p.CropBox
			fmt.Fprintf(&out, " /CropBox [%s %s %s %s]", num(c[0]), num(c[1]), num(c[2]), num(c[3]))
		}
		if p.Rotate != 0 {
			fmt.Fprintf(&out, " /Rotate %d", p.Rotate)
		}
		fmt.Fprintf(&out, " /Resources << /Font << /F1 << /Type /Font /Subtype /Type1 /BaseFont /Helvetica >> >> >> /Contents %d 0 R >>\n", pageID(i)+1)
		end()

		content := fmt.Sprintf("BT /F1 24 Tf 72 72 Td (Page %d) Tj ET", i+1)
		begin()
		fmt.Fprintf(&out, "<< /Length %d >>\nstream\n%s\nendstream\n", len(content), content)
		end()
	}

	if hasInfo {
		begin()
		out.WriteString("<<")
		if spec.Title != "" {
			fmt.Fprintf(&out, " /Title (%s)", escape(spec.Title))
		}
		if spec.Author != "" {
			fmt.Fprintf(&out, " /Author (%s)", escape(spec.Author))
		}
		out.WriteString(" >>\n")
		end()
	}

	if spec.XMPMetadata {
		xmp := `<x:xmpmeta xmlns:x="adobe:ns:meta/"><rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"/></x:xmpmeta>`
		begin()
		fmt.Fprintf(&out, "<< /Type /Metadata /Subtype /XML /Length %d >>\nstream\n%s\nendstream\n", len(xmp), xmp)
		end()
	}

	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", len(offsets))
	out.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&out, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R", len(offsets))
	if infoID != 0 {
		fmt.Fprintf(&out, " /Info %d 0 R", infoID)
	}
	fmt.Fprintf(&out, " >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return out.Bytes()
}

func num(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", f), "0"), ".")
}

func escape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}

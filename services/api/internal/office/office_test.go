package office

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/pdfengine"
	"pdfpage/pkg/pdfengine/pdftest"
	"pdfpage/pkg/registry"
)

type recordingExecutor struct{ ops []string }

func (r *recordingExecutor) Execute(_ context.Context, desc registry.Descriptor, _ domain.DispatchRequest) ([]domain.Artifact, error) {
	r.ops = append(r.ops, desc.Name)
	return []domain.Artifact{{SuggestedName: "next.pdf"}}, nil
}

func lookup(t *testing.T, name string) registry.Descriptor {
	t.Helper()
	d, ok := registry.Default().Lookup(name)
	if !ok {
		t.Fatalf("missing descriptor %s", name)
	}
	return d
}

func TestExecutorDelegatesOtherTools(t *testing.T) {
	next := &recordingExecutor{}
	x := NewExecutor(NewConverter("soffice-does-not-exist"), next)
	arts, err := x.Execute(context.Background(), lookup(t, "merge"), domain.DispatchRequest{})
	if err != nil || len(arts) != 1 || len(next.ops) != 1 || next.ops[0] != "merge" {
		t.Fatalf("expected delegation, arts=%+v ops=%v err=%v", arts, next.ops, err)
	}
}

func TestExecutorWithoutConverterIsUnavailable(t *testing.T) {
	x := NewExecutor(NewConverter("soffice-does-not-exist"), nil)
	req := domain.DispatchRequest{Inputs: []domain.Input{{Name: "a.docx", Bytes: []byte("x")}}}
	_, err := x.Execute(context.Background(), lookup(t, "word-to-pdf"), req)
	var su *domain.ServiceUnavailableError
	if !errors.As(err, &su) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if _, err := NewConverter("soffice-does-not-exist").Convert(context.Background(), nil, "a.docx", TargetPDF); !errors.Is(err, ErrConverterMissing) {
		t.Fatalf("expected missing converter, got %v", err)
	}
}

func TestPDFToWordWithLibreOffice(t *testing.T) {
	conv := NewConverter("")
	if !conv.Available() {
		t.Skip("soffice not installed")
	}
	x := NewExecutor(conv, pdfengine.NewExecutor(nil))
	doc := pdftest.Build(pdftest.Pages(1, pdftest.A4))
	req := domain.DispatchRequest{Inputs: []domain.Input{{Name: "report.pdf", Bytes: doc, Size: int64(len(doc))}}}
	arts, err := x.Execute(context.Background(), lookup(t, "pdf-to-word"), req)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(arts) != 1 || arts[0].SuggestedName != "report.docx" {
		t.Fatalf("unexpected artifacts %+v", arts)
	}
	if !bytes.HasPrefix(arts[0].Bytes, []byte("PK")) {
		t.Fatalf("docx output should be a zip container")
	}
}

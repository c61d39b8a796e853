package pdfengine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/registry"
)

// Executor adapts the engine to the dispatcher.
type Executor struct {
	engine *Engine
}

func NewExecutor(engine *Engine) *Executor {
	if engine == nil {
		engine = New()
	}
	return &Executor{engine: engine}
}

// Execute runs desc.Local against req.
func (x *Executor) Execute(ctx context.Context, desc registry.Descriptor, req domain.DispatchRequest) ([]domain.Artifact, error) {
	if len(req.Inputs) == 0 {
		return nil, domain.Validationf("no input files")
	}
	var arts []domain.Artifact
	err := withContext(ctx, func() error {
		var err error
		arts, err = x.run(ctx, desc, req)
		return err
	})
	return arts, err
}

func (x *Executor) run(ctx context.Context, desc registry.Descriptor, req domain.DispatchRequest) ([]domain.Artifact, error) {
	first := req.Inputs[0]
	base := baseName(first.Name)
	switch desc.Local {
	case registry.CapMerge:
		out, err := x.engine.Merge(req.Inputs)
		if err != nil {
			return nil, err
		}
		return []domain.Artifact{pdfArtifact(out, "merged.pdf")}, nil

	case registry.CapSplit:
		page, err := req.Params.Int("page", 0)
		if err != nil {
			return nil, domain.Validationf("page must be an integer")
		}
		if page > 0 {
			out, err := x.engine.ExtractPage(first, page)
			if err != nil {
				return nil, err
			}
			return []domain.Artifact{pdfArtifact(out, fmt.Sprintf("%s_page_%d.pdf", base, page))}, nil
		}
		parts, err := x.engine.Split(first)
		if err != nil {
			return nil, err
		}
		arts := make([]domain.Artifact, len(parts))
		for i, p := range parts {
			arts[i] = pdfArtifact(p, fmt.Sprintf("%s_page_%d.pdf", base, i+1))
		}
		return arts, nil

	case registry.CapRotate:
		angle, err := req.Params.Int("angle", 0)
		if err != nil {
			return nil, domain.Validationf("angle must be an integer")
		}
		out, err := x.engine.Rotate(first, angle)
		if err != nil {
			return nil, err
		}
		return []domain.Artifact{pdfArtifact(out, base+"_rotated.pdf")}, nil

	case registry.CapCompressLite:
		out, err := x.engine.CompressLite(first)
		if err != nil {
			return nil, err
		}
		return []domain.Artifact{pdfArtifact(out, base+"_compressed.pdf")}, nil

	case registry.CapRasterize:
		quality, qerr := req.Params.Int("quality", DefaultQuality)
		dpi, derr := req.Params.Int("dpi", DefaultDPI)
		if qerr != nil || derr != nil {
			return nil, domain.Validationf("quality and dpi must be integers")
		}
		images, err := x.engine.Rasterize(ctx, first, RasterOptions{Quality: quality, DPI: dpi, MaxPages: desc.MaxPages})
		if err != nil {
			return nil, err
		}
		arts := make([]domain.Artifact, len(images))
		for i, img := range images {
			arts[i] = domain.Artifact{Bytes: img, SuggestedName: fmt.Sprintf("%s_page_%d.jpg", base, i+1), MIME: "image/jpeg"}
		}
		return arts, nil
	}
	return nil, &domain.EngineError{Kind: domain.EngineUnsupported, Details: fmt.Sprintf("no local implementation for %q", desc.Name)}
}

func pdfArtifact(b []byte, name string) domain.Artifact {
	return domain.Artifact{Bytes: b, SuggestedName: name, MIME: "application/pdf"}
}

func baseName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "document"
	}
	return name
}

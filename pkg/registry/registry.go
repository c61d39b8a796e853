package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"pdfpage/pkg/domain"
)

// Capability names a local engine operation.
type Capability string

const (
	CapNone         Capability = ""
	CapMerge        Capability = "merge"
	CapSplit        Capability = "split"
	CapCompressLite Capability = "compress-lite"
	CapRotate       Capability = "rotate"
	CapRasterize    Capability = "rasterize"
)

const mb int64 = 1 << 20

// DefaultTimeout bounds a server dispatch when a descriptor sets none.
const DefaultTimeout = 60 * time.Second

// Descriptor declares one tool: where it can run and what it accepts.
type Descriptor struct {
	Name           string
	Aliases        []string
	Description    string
	ServerEndpoint string
	Local          Capability
	FileField      string
	MinInputs      int
	MaxInputs      int // 0 means no cap
	MaxBytes       map[domain.Tier]int64
	MaxPages       int // render cap for page-producing operations, 0 means none
	Accept         []string
	MinTier        domain.Tier
	Timeout        time.Duration
	OutputMIME     string
	ValidateParams func(domain.Params) []domain.FieldError
}

// HasServer reports whether a server endpoint exists.
func (d Descriptor) HasServer() bool { return d.ServerEndpoint != "" }

// HasLocal reports whether the local engine implements the operation.
func (d Descriptor) HasLocal() bool { return d.Local != CapNone }

// MaxBytesFor returns the descriptor ceiling for tier, or 0 when it defers to the policy.
func (d Descriptor) MaxBytesFor(tier domain.Tier) int64 {
	if d.MaxBytes == nil {
		return 0
	}
	return d.MaxBytes[tier]
}

// DispatchTimeout returns the server timeout for this operation.
func (d Descriptor) DispatchTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// Info is the public tool listing entry served by /pdf/tools.
type Info struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description"`
	Server      bool     `json:"server"`
	Local       bool     `json:"local"`
	Accept      []string `json:"accept"`
	MaxFiles    int      `json:"maxFiles,omitempty"`
	MaxBytes    int64    `json:"maxBytes,omitempty"`
	MinTier     string   `json:"minTier,omitempty"`
}

// Info describes d for tier.
func (d Descriptor) Info(tier domain.Tier) Info {
	return Info{
		Name:        d.Name,
		Aliases:     d.Aliases,
		Description: d.Description,
		Server:      d.HasServer(),
		Local:       d.HasLocal(),
		Accept:      d.Accept,
		MaxFiles:    d.MaxInputs,
		MaxBytes:    d.MaxBytesFor(tier),
		MinTier:     string(d.MinTier),
	}
}

// Validate checks input count, extensions and parameters.
func (d Descriptor) Validate(inputs []domain.Input, params domain.Params) error {
	var fields []domain.FieldError
	need := max(d.MinInputs, 1)
	switch {
	case len(inputs) == 0:
		fields = append(fields, domain.FieldError{Field: d.FileField, Message: "No file uploaded"})
	case len(inputs) < need:
		fields = append(fields, domain.FieldError{Field: d.FileField, Message: fmt.Sprintf("At least %d files are required", need)})
	case d.MaxInputs > 0 && len(inputs) > d.MaxInputs:
		fields = append(fields, domain.FieldError{Field: d.FileField, Message: fmt.Sprintf("At most %d files are allowed", d.MaxInputs)})
	}
	for _, in := range inputs {
		if !d.accepts(in.Name) {
			fields = append(fields, domain.FieldError{
				Field:   d.FileField,
				Message: fmt.Sprintf("%s: unsupported file type", in.Name),
			})
		}
	}
	if d.ValidateParams != nil {
		fields = append(fields, d.ValidateParams(params)...)
	}
	if len(fields) == 0 {
		return nil
	}
	return &domain.ValidationError{Message: fields[0].Message, Fields: fields}
}

func (d Descriptor) accepts(name string) bool {
	if len(d.Accept) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range d.Accept {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Registry is an immutable lookup table of descriptors.
type Registry struct {
	byName map[string]Descriptor
	alias  map[string]string
	names  []string
}

// New validates descs and builds a registry.
func New(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Descriptor, len(descs)),
		alias:  make(map[string]string),
	}
	for _, d := range descs {
		name := normalize(d.Name)
		if name == "" {
			return nil, errors.New("operation name required")
		}
		if !d.HasServer() && !d.HasLocal() {
			return nil, fmt.Errorf("operation %q has neither server endpoint nor local capability", d.Name)
		}
		if r.taken(name) {
			return nil, fmt.Errorf("duplicate operation name %q", d.Name)
		}
		d.Name = name
		r.byName[name] = d
		r.names = append(r.names, name)
		for _, a := range d.Aliases {
			a = normalize(a)
			if a == "" || r.taken(a) {
				return nil, fmt.Errorf("duplicate operation alias %q", a)
			}
			r.alias[a] = name
		}
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) taken(name string) bool {
	if _, ok := r.byName[name]; ok {
		return true
	}
	_, ok := r.alias[name]
	return ok
}

// Lookup finds a descriptor by name or alias, ignoring case.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	name = normalize(name)
	if canonical, ok := r.alias[name]; ok {
		name = canonical
	}
	d, ok := r.byName[name]
	return d, ok
}

// LookupOrGeneric returns the registered descriptor or a local-only
// placeholder that admits under plain tier limits. It serves usage tracking
// for tools that run entirely on the client.
func (r *Registry) LookupOrGeneric(name string) Descriptor {
	if d, ok := r.Lookup(name); ok {
		return d
	}
	return Descriptor{
		Name:      normalize(name),
		Local:     Capability("client"),
		FileField: "file",
	}
}

// List returns descriptors ordered by name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.byName[name])
	}
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var pdfOnly = []string{".pdf"}

func flat(n int64) map[domain.Tier]int64 {
	return map[domain.Tier]int64{domain.TierAnonymous: n, domain.TierFree: n, domain.TierPremium: n}
}

// Default returns the built-in tool table.
func Default() *Registry {
	r, err := New(
		Descriptor{
			Name:           "merge",
			Description:    "Combine PDFs in the order submitted",
			ServerEndpoint: "/pdf/merge",
			Local:          CapMerge,
			FileField:      "files",
			MinInputs:      2,
			MaxInputs:      20,
			MaxBytes:       map[domain.Tier]int64{domain.TierFree: 25 * mb, domain.TierPremium: 100 * mb},
			Accept:         pdfOnly,
			OutputMIME:     "application/pdf",
		},
		Descriptor{
			Name:           "split",
			Description:    "Extract every page into its own PDF",
			ServerEndpoint: "/pdf/split",
			Local:          CapSplit,
			FileField:      "file",
			MinInputs:      1,
			MaxInputs:      1,
			MaxBytes:       flat(25 * mb),
			Accept:         pdfOnly,
			OutputMIME:     "application/pdf",
			ValidateParams: validateSplit,
		},
		Descriptor{
			Name:           "compress",
			Description:    "Reduce file size by stripping metadata and re-saving",
			ServerEndpoint: "/pdf/compress",
			Local:          CapCompressLite,
			FileField:      "file",
			MinInputs:      1,
			MaxInputs:      1,
			MaxBytes:       flat(25 * mb),
			Accept:         pdfOnly,
			OutputMIME:     "application/pdf",
			ValidateParams: validateCompress,
		},
		Descriptor{
			Name:           "rotate",
			Description:    "Rotate every page by 90, 180 or 270 degrees",
			Local:          CapRotate,
			FileField:      "file",
			MinInputs:      1,
			MaxInputs:      1,
			MaxBytes:       flat(25 * mb),
			Accept:         pdfOnly,
			OutputMIME:     "application/pdf",
			ValidateParams: validateRotate,
		},
		Descriptor{
			Name:        "pdf-to-image",
			Aliases:     []string{"pdf-to-jpg"},
			Description: "Render pages to JPEG images",
			Local:       CapRasterize,
			FileField:   "file",
			MinInputs:   1,
			MaxInputs:   1,
			MaxBytes:    flat(50 * mb),
			MaxPages:    20,
			Accept:      pdfOnly,
			OutputMIME:  "image/jpeg",
			ValidateParams: func(p domain.Params) []domain.FieldError {
				var fields []domain.FieldError
				fields = append(fields, intRange(p, "quality", 10, 100)...)
				fields = append(fields, intRange(p, "dpi", 72, 300)...)
				return fields
			},
		},
		Descriptor{
			Name:           "word-to-pdf",
			Description:    "Convert Word documents to PDF",
			ServerEndpoint: "/pdf/word-to-pdf",
			FileField:      "file",
			MinInputs:      1,
			MaxInputs:      1,
			Accept:         []string{".doc", ".docx", ".odt", ".rtf"},
			Timeout:        120 * time.Second,
			OutputMIME:     "application/pdf",
		},
		Descriptor{
			Name:           "pdf-to-word",
			Description:    "Convert PDF to an editable Word document",
			ServerEndpoint: "/pdf/pdf-to-word",
			FileField:      "file",
			MinInputs:      1,
			MaxInputs:      1,
			Accept:         pdfOnly,
			Timeout:        120 * time.Second,
			OutputMIME:     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func validateRotate(p domain.Params) []domain.FieldError {
	raw := strings.TrimSpace(p["angle"])
	if raw == "" {
		return []domain.FieldError{{Field: "angle", Message: "Rotation angle is required"}}
	}
	angle, err := strconv.Atoi(raw)
	if err != nil || (angle != 90 && angle != 180 && angle != 270) {
		return []domain.FieldError{{Field: "angle", Message: "Rotation angle must be 90, 180 or 270"}}
	}
	return nil
}

func validateCompress(p domain.Params) []domain.FieldError {
	raw := strings.TrimSpace(p["quality"])
	if raw == "" {
		return nil
	}
	q, err := strconv.ParseFloat(raw, 64)
	if err != nil || q <= 0 || q > 1 {
		return []domain.FieldError{{Field: "quality", Message: "Quality must be a number in (0, 1]"}}
	}
	return nil
}

func validateSplit(p domain.Params) []domain.FieldError {
	raw := strings.TrimSpace(p["page"])
	if raw == "" {
		return nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return []domain.FieldError{{Field: "page", Message: "Page must be a positive integer"}}
	}
	return nil
}

func intRange(p domain.Params, key string, lo, hi int) []domain.FieldError {
	raw := strings.TrimSpace(p[key])
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return []domain.FieldError{{Field: key, Message: fmt.Sprintf("%s must be between %d and %d", key, lo, hi)}}
	}
	return nil
}

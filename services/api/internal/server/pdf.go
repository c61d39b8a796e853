package server

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/registry"
)

// maxFormMemory is kept in memory before multipart parts spill to disk.
var maxFormMemory int64 = 32 << 20

// openPart opens an uploaded part; replaced in tests.
var openPart = func(fh *multipart.FileHeader) (multipart.File, error) { return fh.Open() }

func (s *Server) handleOperation(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		desc, ok := s.app.Descriptor(op)
		if !ok {
			s.handleNotFound(w, r)
			return
		}

		// The body ceiling depends on the tier, which a token fixes before
		// the form is read. Anonymous callers are resolved after parsing so
		// the form's sessionId can be used.
		var p domain.Principal
		token := bearerToken(r)
		if token != "" {
			var err error
			if p, err = s.principal(w, r, ""); err != nil {
				writeAppError(w, r, err)
				return
			}
		} else {
			p = domain.Principal{Kind: domain.TierAnonymous}
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit(p, desc))
		inputs, params, cleanup, err := readUpload(r, desc.FileField)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		defer cleanup()
		if token == "" {
			if p, err = s.principal(w, r, ""); err != nil {
				writeAppError(w, r, err)
				return
			}
		}

		res, err := s.app.RunOperation(r.Context(), p, op, inputs, params)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		w.Header().Set("X-Remaining-Uploads", domain.RemainingUploads(res.Admission.Remaining).String())
		writeArtifacts(w, r, res.Artifacts, inputs)
	}
}

// uploadLimit is the body ceiling for p running desc: the tighter of the
// policy and descriptor byte limits, plus room for form framing.
func (s *Server) uploadLimit(p domain.Principal, desc registry.Descriptor) int64 {
	policy := s.app.Policy(p)
	ceiling := policy.MaxBytesPerOp
	if d := desc.MaxBytesFor(policy.Tier); d > 0 && (ceiling < 0 || d < ceiling) {
		ceiling = d
	}
	if ceiling < 0 || ceiling > s.maxUploadBytes {
		ceiling = s.maxUploadBytes
	}
	return ceiling + formOverhead
}

// readUpload parses the multipart body and loads the files under field.
// Every other form value except sessionId becomes an operation parameter.
// On success the caller must run cleanup to drop spooled parts; on error
// they are already removed.
func readUpload(r *http.Request, field string) ([]domain.Input, domain.Params, func(), error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, nil, nil, &domain.QuotaError{Reason: domain.ReasonPerOpSize, Message: domain.DenyMessage(domain.ReasonPerOpSize)}
		}
		return nil, nil, nil, domain.Validationf("invalid form data")
	}
	form := r.MultipartForm
	cleanup := func() { _ = form.RemoveAll() }
	if field == "" {
		field = "file"
	}
	var inputs []domain.Input
	for _, fh := range form.File[field] {
		in, err := readPart(fh)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		inputs = append(inputs, in)
	}
	params := domain.Params{}
	for key, vals := range form.Value {
		if key == "sessionId" || len(vals) == 0 {
			continue
		}
		params[key] = vals[0]
	}
	return inputs, params, cleanup, nil
}

func readPart(fh *multipart.FileHeader) (domain.Input, error) {
	f, err := openPart(fh)
	if err != nil {
		return domain.Input{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return domain.Input{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	return domain.Input{Name: filepath.Base(fh.Filename), Bytes: data, Size: int64(len(data))}, nil
}

// writeArtifacts sends a single artifact as-is and several as a zip.
func writeArtifacts(w http.ResponseWriter, r *http.Request, arts []domain.Artifact, inputs []domain.Input) {
	if len(arts) == 1 {
		writeFile(w, arts[0].MIME, arts[0].SuggestedName, arts[0].Bytes)
		return
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, a := range arts {
		part, err := zw.Create(a.SuggestedName)
		if err == nil {
			_, err = part.Write(a.Bytes)
		}
		if err != nil {
			writeAppError(w, r, fmt.Errorf("zip artifacts: %w", err))
			return
		}
	}
	if err := zw.Close(); err != nil {
		writeAppError(w, r, fmt.Errorf("zip artifacts: %w", err))
		return
	}
	name := "pages.zip"
	if len(inputs) > 0 {
		name = strings.TrimSuffix(inputs[0].Name, filepath.Ext(inputs[0].Name)) + "_pages.zip"
	}
	writeFile(w, "application/zip", name, buf.Bytes())
}

func writeFile(w http.ResponseWriter, contentType, name string, data []byte) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tier := domain.TierAnonymous
	if bearerToken(r) != "" {
		p, err := s.principal(w, r, "")
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		tier = p.Kind
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tools": s.app.Tools(tier)})
}

// handleCloudUpload stores a premium user's file in object storage and
// returns a presigned link.
func (s *Server) handleCloudUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+formOverhead)
	inputs, _, cleanup, err := readUpload(r, "file")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer cleanup()
	if len(inputs) == 0 {
		writeAppError(w, r, &domain.ValidationError{
			Message: "No file uploaded",
			Fields:  []domain.FieldError{{Field: "file", Message: "No file uploaded"}},
		})
		return
	}
	in := inputs[0]
	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(in.Name)))
	if contentType == "" {
		contentType = http.DetectContentType(in.Bytes)
	}
	shared, err := s.app.ShareFile(r.Context(), user, in.Name, contentType, in.Bytes)
	if err != nil {
		s.audit(r, "upload.cloud", "fail", "user_id", user.ID)
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "upload.cloud", "success", "user_id", user.ID, "key", shared.Key)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "file": shared})
}

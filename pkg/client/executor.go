package client

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path"
	"sort"
	"strings"

	"pdfpage/pkg/domain"
	"pdfpage/pkg/registry"
)

const maxZipEntry = 200 << 20

// Credentials supplies the bearer token and session id for uploads.
type Credentials interface {
	Token() string
	SessionID() (string, error)
}

// ServerExecutor runs operations through the API's multipart endpoints.
type ServerExecutor struct {
	client *Client
	creds  Credentials
}

func NewServerExecutor(c *Client, creds Credentials) *ServerExecutor {
	return &ServerExecutor{client: c, creds: creds}
}

// Execute uploads req to desc.ServerEndpoint and returns the artifacts.
func (x *ServerExecutor) Execute(ctx context.Context, desc registry.Descriptor, req domain.DispatchRequest) ([]domain.Artifact, error) {
	if !desc.HasServer() {
		return nil, &domain.EngineError{Kind: domain.EngineUnsupported, Details: desc.Name + " has no server endpoint"}
	}
	token, sessionID := "", req.Principal.SessionID
	if x.creds != nil {
		token = x.creds.Token()
		if sessionID == "" {
			sessionID, _ = x.creds.SessionID()
		}
	}
	body, contentType, err := buildForm(desc, req, sessionID)
	if err != nil {
		return nil, err
	}
	resp, err := x.client.RequestBinary(ctx, desc.ServerEndpoint, body, RequestOptions{
		Timeout:     desc.DispatchTimeout(),
		Token:       token,
		ContentType: contentType,
	})
	if err != nil {
		return nil, err
	}
	if resp.ContentType() == "application/zip" {
		return unzipArtifacts(resp.Body, desc.OutputMIME)
	}
	name := attachmentName(resp.Header.Get("Content-Disposition"))
	if name == "" {
		name = defaultOutputName(desc, req)
	}
	mimeType := resp.ContentType()
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = desc.OutputMIME
	}
	return []domain.Artifact{{Bytes: resp.Body, SuggestedName: name, MIME: mimeType}}, nil
}

func buildForm(desc registry.Descriptor, req domain.DispatchRequest, sessionID string) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	field := desc.FileField
	if field == "" {
		field = "file"
	}
	for _, in := range req.Inputs {
		part, err := writer.CreateFormFile(field, path.Base(in.Name))
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(in.Bytes); err != nil {
			return nil, "", err
		}
	}
	if sessionID != "" {
		if err := writer.WriteField("sessionId", sessionID); err != nil {
			return nil, "", err
		}
	}
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writer.WriteField(k, req.Params[k]); err != nil {
			return nil, "", err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

func unzipArtifacts(data []byte, mimeType string) ([]domain.Artifact, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &domain.EngineError{Kind: domain.EngineUnsupported, Details: "malformed zip response", Err: err}
	}
	arts := make([]domain.Artifact, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(io.LimitReader(rc, maxZipEntry))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		arts = append(arts, domain.Artifact{Bytes: b, SuggestedName: path.Base(f.Name), MIME: mimeType})
	}
	return arts, nil
}

func attachmentName(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	name := strings.TrimSpace(params["filename"])
	if name == "" {
		return ""
	}
	return path.Base(name)
}

func defaultOutputName(desc registry.Descriptor, req domain.DispatchRequest) string {
	ext := ".pdf"
	if strings.Contains(desc.OutputMIME, "wordprocessingml") {
		ext = ".docx"
	}
	if len(req.Inputs) == 0 {
		return desc.Name + ext
	}
	base := strings.TrimSuffix(path.Base(req.Inputs[0].Name), path.Ext(req.Inputs[0].Name))
	return base + "_" + desc.Name + ext
}

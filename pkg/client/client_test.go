package client

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pdfpage/pkg/dispatch"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/registry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestRequestBinaryErrorClasses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/quota":
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "message": "Daily limit reached", "reason": "daily-limit"})
		case "/api/bad":
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false, "message": "No file uploaded",
				"errors": []map[string]string{{"field": "file", "message": "No file uploaded"}},
			})
		case "/api/boom":
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "message": "Internal server error"})
		case "/api/slow":
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		default:
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4"))
		}
	}))
	defer srv.Close()
	c := New(srv.URL+"/api", srv.Client())
	ctx := context.Background()

	resp, err := c.RequestBinary(ctx, "/ok", nil, RequestOptions{})
	if err != nil || string(resp.Body) != "%PDF-1.4" || resp.ContentType() != "application/pdf" {
		t.Fatalf("ok response: body=%q err=%v", resp.Body, err)
	}

	_, err = c.RequestBinary(ctx, "/quota", nil, RequestOptions{})
	var qe *domain.QuotaError
	if !errors.As(err, &qe) || qe.Reason != domain.ReasonDailyLimit || err.Error() != "Daily limit reached" {
		t.Fatalf("expected quota error surfaced verbatim, got %v", err)
	}
	if dispatch.IsRetryable(err) {
		t.Fatalf("4xx must not be retryable")
	}

	_, err = c.RequestBinary(ctx, "/bad", nil, RequestOptions{})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || len(ve.Fields) != 1 || ve.Fields[0].Field != "file" {
		t.Fatalf("expected validation error with fields, got %v", err)
	}

	_, err = c.RequestBinary(ctx, "/boom", nil, RequestOptions{})
	if !IsTransport(err) || !dispatch.IsRetryable(err) {
		t.Fatalf("5xx must be a retryable transport error, got %v", err)
	}

	_, err = c.RequestBinary(ctx, "/slow", nil, RequestOptions{Timeout: 20 * time.Millisecond})
	if !IsTransport(err) || !dispatch.IsRetryable(err) {
		t.Fatalf("timeout must be a retryable transport error, got %v", err)
	}
}

func TestRequestBinaryUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := New(url, nil).RequestBinary(context.Background(), "/pdf/merge", nil, RequestOptions{Timeout: time.Second})
	if !dispatch.IsRetryable(err) {
		t.Fatalf("connection refused must be retryable, got %v", err)
	}
}

func TestServerExecutorMultipartAndZip(t *testing.T) {
	dir := t.TempDir()
	state := OpenState(filepath.Join(dir, "state.json"))
	if err := state.SetAuth("tok-1", domain.UserView{ID: "u-1"}); err != nil {
		t.Fatalf("set auth: %v", err)
	}
	if err := state.Update(func(st *State) error { st.SessionID = "sess-device-1"; return nil }); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pdf/split" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("sessionId") != "sess-device-1" || r.FormValue("page") != "" {
			t.Errorf("unexpected form values %v", r.MultipartForm.Value)
		}
		if files := r.MultipartForm.File["file"]; len(files) != 1 || files[0].Filename != "doc.pdf" {
			t.Errorf("unexpected files %+v", r.MultipartForm.File)
		}
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for _, name := range []string{"doc_page_1.pdf", "doc_page_2.pdf"} {
			f, _ := zw.Create(name)
			_, _ = f.Write([]byte("%PDF " + name))
		}
		_ = zw.Close()
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	desc, _ := registry.Default().Lookup("split")
	x := NewServerExecutor(New(srv.URL+"/api", srv.Client()), state)
	arts, err := x.Execute(context.Background(), desc, domain.DispatchRequest{
		Operation: "split",
		Inputs:    []domain.Input{{Name: "/tmp/doc.pdf", Bytes: []byte("%PDF-1.4")}},
		Principal: domain.FreePrincipal("u-1"),
		Params:    domain.Params{},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(arts) != 2 || arts[0].SuggestedName != "doc_page_1.pdf" || arts[1].MIME != "application/pdf" {
		t.Fatalf("unexpected artifacts %+v", arts)
	}
}

func TestServerExecutorSendsStableSessionID(t *testing.T) {
	state := OpenState(filepath.Join(t.TempDir(), "state.json"))
	if err := state.Update(func(st *State) error { st.SessionID = "sess-device-1"; return nil }); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		seen = append(seen, r.FormValue("sessionId"))
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="compressed.pdf"`)
		_, _ = io.WriteString(w, "%PDF")
	}))
	defer srv.Close()

	desc, _ := registry.Default().Lookup("compress")
	x := NewServerExecutor(New(srv.URL, srv.Client()), state)
	for i := 0; i < 2; i++ {
		arts, err := x.Execute(context.Background(), desc, domain.DispatchRequest{
			Inputs: []domain.Input{{Name: "a.pdf", Bytes: []byte("%PDF")}},
			Params: domain.Params{"quality": "0.5"},
		})
		if err != nil || arts[0].SuggestedName != "compressed.pdf" {
			t.Fatalf("execute: %+v %v", arts, err)
		}
	}
	if len(seen) != 2 || seen[0] != "sess-device-1" || seen[1] != seen[0] {
		t.Fatalf("session ids %v", seen)
	}
}

func TestJSONEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["password"] != "Secret1" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "Invalid credentials"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": "tok", "user": map[string]any{"id": "u-1", "email": body["email"]}})
		case "/api/usage/check-limit":
			if r.URL.Query().Get("sessionId") != "sess-1" {
				t.Errorf("sessionId query = %q", r.URL.Query().Get("sessionId"))
			}
			writeJSON(w, http.StatusOK, map[string]any{"canUpload": true, "remainingUploads": "unlimited", "isPremium": true})
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "Route not found"})
		}
	}))
	defer srv.Close()
	c := New(srv.URL+"/api", srv.Client())
	ctx := context.Background()

	res, err := c.Login(ctx, "ann@example.com", "Secret1")
	if err != nil || res.Token != "tok" || res.User.Email != "ann@example.com" {
		t.Fatalf("login: %+v %v", res, err)
	}
	if _, err := c.Login(ctx, "ann@example.com", "nope"); !domain.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	limit, err := c.CheckLimit(ctx, "", "sess-1")
	if err != nil || !limit.CanUpload || int(limit.RemainingUploads) != domain.Unlimited {
		t.Fatalf("check limit: %+v %v", limit, err)
	}
	_, err = c.Me(ctx, "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || !strings.Contains(apiErr.Message, "Route not found") {
		t.Fatalf("expected 404 api error, got %v", err)
	}
}

func TestGateSurfacesRateLimitAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/usage/track":
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "message": "Too many requests from this IP, please try again later."})
		default:
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "message": "Daily limit reached", "reason": "daily-limit"})
		}
	}))
	defer srv.Close()
	c := New(srv.URL+"/api", srv.Client())
	desc := registry.Default().LookupOrGeneric("rotate")
	inputs := []domain.Input{{Name: "a.pdf", Size: 10}}

	adm, err := NewGate(c, nil, nil).Admit(context.Background(), domain.AnonymousPrincipal("sid-1"), desc, inputs)
	var qe *domain.QuotaError
	if !errors.As(err, &qe) || qe.Reason != domain.ReasonRateLimited {
		t.Fatalf("expected rate-limited error, got adm=%+v err=%v", adm, err)
	}
	if err.Error() != "Too many requests from this IP, please try again later." {
		t.Fatalf("message should be surfaced verbatim, got %q", err.Error())
	}

	_, err = c.RequestBinary(context.Background(), "/other", nil, RequestOptions{})
	if !errors.As(err, &qe) || qe.Reason != domain.ReasonDailyLimit {
		t.Fatalf("a tagged 429 keeps its reason, got %v", err)
	}
}

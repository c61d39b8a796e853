package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"pdfpage/internal/ratelimit"
	"pdfpage/internal/util"
	"pdfpage/pkg/domain"
	"pdfpage/pkg/identity"
	"pdfpage/services/api/internal/app"
)

const (
	maxJSONBody = 1 << 20
	// formOverhead is allowed on top of the file ceiling for multipart framing and fields.
	formOverhead = 1 << 20
	// defaultMaxUpload caps bodies for policies without a per-operation ceiling.
	defaultMaxUpload = 200 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	Redis                      redis.UniversalClient
	TrustedProxies             *util.TrustedProxies
	FrontendURL                string
	IPRateLimitPerWindow       int
	IPRateLimitWindow          time.Duration
	SignupRateLimitPerMinute   int
	LoginRateLimitPerMinute    int
	PasswordRateLimitPerMinute int
	MaxUploadBytes             int64
	Started                    time.Time
}

// Server exposes the /api HTTP surface.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	trusted         *util.TrustedProxies
	frontendURL     string
	maxUploadBytes  int64
	started         time.Time
	ipLimiter       *ratelimit.FixedWindowLimiter
	signupLimiter   *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	passwordLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app required")
	}
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client required for rate limiting")
	}
	ipLimit := positiveOr(cfg.IPRateLimitPerWindow, 100)
	ipWindow := cfg.IPRateLimitWindow
	if ipWindow <= 0 {
		ipWindow = 15 * time.Minute
	}
	newLimiter := func(name string, limit int, window time.Duration) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "pdfpage:api:ratelimit:" + name
		limiter, err := ratelimit.NewFixedWindowLimiter(cfg.Redis, prefix, limit, window)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	ipLimiter, err := newLimiter("ip", ipLimit, ipWindow)
	if err != nil {
		return nil, err
	}
	signupLimiter, err := newLimiter("signup", positiveOr(cfg.SignupRateLimitPerMinute, 5), time.Minute)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", positiveOr(cfg.LoginRateLimitPerMinute, 10), time.Minute)
	if err != nil {
		return nil, err
	}
	passwordLimiter, err := newLimiter("password", positiveOr(cfg.PasswordRateLimitPerMinute, 10), time.Minute)
	if err != nil {
		return nil, err
	}
	started := cfg.Started
	if started.IsZero() {
		started = time.Now()
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		trusted:         cfg.TrustedProxies,
		frontendURL:     cfg.FrontendURL,
		maxUploadBytes:  maxUpload,
		started:         started,
		ipLimiter:       ipLimiter,
		signupLimiter:   signupLimiter,
		loginLimiter:    loginLimiter,
		passwordLimiter: passwordLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.withIPLimit(s.mux)
	h = util.WithCORS(s.frontendURL, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog(h)
	h = util.WithRequestID(h)
	return util.WithRecover(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)
	s.mux.Handle("/api/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/api/auth/update-profile", s.authenticated(s.handleUpdateProfile))
	s.mux.Handle("/api/auth/change-password", s.authenticated(s.handleChangePassword))

	// usage
	s.mux.HandleFunc("/api/usage/check-limit", s.handleCheckLimit)
	s.mux.HandleFunc("/api/usage/track", s.handleTrack)

	// pdf tools
	for _, op := range []string{"merge", "split", "compress", "word-to-pdf", "pdf-to-word"} {
		s.mux.HandleFunc("/api/pdf/"+op, s.handleOperation(op))
	}
	s.mux.HandleFunc("/api/pdf/tools", s.handleTools)

	// premium cloud share
	s.mux.Handle("/api/upload/cloudinary", s.authenticated(s.handleCloudUpload))

	s.mux.HandleFunc("/", s.handleNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"status":    "OK",
		"message":   "PdfPage API is running",
		"uptime":    time.Since(s.started).Seconds(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Route not found")
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.app.UserFromToken(r.Context(), bearerToken(r))
		if err != nil {
			s.audit(r, "api.authorize", "fail", "reason", err.Error())
			writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

func bearerToken(r *http.Request) string {
	return identity.BearerToken(r.Header.Get("Authorization"))
}

// sessionIDFrom reads the anonymous session id from the header, query or
// an already parsed form.
func sessionIDFrom(r *http.Request) string {
	if sid := r.Header.Get("X-Session-Id"); sid != "" {
		return sid
	}
	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		return sid
	}
	if r.MultipartForm != nil {
		if vals := r.MultipartForm.Value["sessionId"]; len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// principal resolves the request principal and echoes the anonymous
// session id so clients can persist a generated one.
func (s *Server) principal(w http.ResponseWriter, r *http.Request, sessionID string) (domain.Principal, error) {
	if sessionID == "" {
		sessionID = sessionIDFrom(r)
	}
	p, err := s.app.Principal(r.Context(), bearerToken(r), sessionID)
	if err != nil {
		return domain.Principal{}, err
	}
	if p.Kind == domain.TierAnonymous {
		w.Header().Set("X-Session-Id", p.SessionID)
	}
	return p, nil
}

func (s *Server) withIPLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		d := s.ipLimiter.Allow(r.Context(), util.ClientIP(r, s.trusted))
		w.Header().Set("RateLimit-Limit", strconv.Itoa(s.ipLimiter.Limit()))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
		if !d.Allowed {
			s.audit(r, "api.ratelimit.ip", "blocked")
			retryAfter(w, d)
			writeError(w, http.StatusTooManyRequests, "Too many requests from this IP, please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	d := limiter.Allow(r.Context(), key)
	if d.Allowed {
		return true
	}
	retryAfter(w, d)
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func retryAfter(w http.ResponseWriter, d ratelimit.Decision) {
	secs := int(d.RetryAfter.Round(time.Second) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst); err != nil {
		return domain.Validationf("invalid JSON body")
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write json response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Success: false, Message: msg})
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

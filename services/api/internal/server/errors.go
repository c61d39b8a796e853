package server

import (
	"context"
	"errors"
	"net/http"

	"pdfpage/internal/util"
	"pdfpage/pkg/domain"
	"pdfpage/services/api/internal/app"
)

type errorBody struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Errors  []domain.FieldError `json:"errors,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// writeAppError maps the error taxonomy onto HTTP statuses. Unknown errors
// are logged in full and reported generically.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	var (
		authErr  *domain.AuthError
		quotaErr *domain.QuotaError
		valErr   *domain.ValidationError
		engErr   *domain.EngineError
		unavail  *domain.ServiceUnavailableError
	)
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorBody{Message: err.Error()}
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, errorBody{Message: authErr.Error()}
	case errors.As(err, &quotaErr):
		status := http.StatusPaymentRequired
		if quotaErr.Reason == domain.ReasonDailyLimit || quotaErr.Reason == domain.ReasonDailyBytes {
			status = http.StatusTooManyRequests
		}
		return status, errorBody{Message: quotaErr.Error(), Reason: string(quotaErr.Reason)}
	case errors.As(err, &valErr):
		return http.StatusBadRequest, errorBody{Message: valErr.Error(), Errors: valErr.Fields}
	case errors.Is(err, app.ErrEmailAlreadyExists):
		return http.StatusBadRequest, errorBody{
			Message: err.Error(),
			Errors:  []domain.FieldError{{Field: "email", Message: err.Error()}},
		}
	case errors.Is(err, app.ErrCurrentPasswordWrong), errors.Is(err, app.ErrPasswordRequired):
		return http.StatusBadRequest, errorBody{Message: err.Error()}
	case errors.Is(err, app.ErrUserNotFound):
		return http.StatusNotFound, errorBody{Message: err.Error()}
	case errors.As(err, &engErr):
		return http.StatusUnprocessableEntity, errorBody{Message: engineMessage(engErr), Reason: engErr.Kind}
	case errors.As(err, &unavail):
		return http.StatusServiceUnavailable, errorBody{Message: unavail.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorBody{Message: "Operation timed out, please try again"}
	}
	return http.StatusInternalServerError, errorBody{Message: "Internal server error"}
}

func engineMessage(e *domain.EngineError) string {
	var msg string
	switch e.Kind {
	case domain.EngineInvalidPDF:
		msg = "Invalid or corrupted PDF file"
	case domain.EngineEncrypted:
		msg = "Password-protected PDFs are not supported"
	case domain.EngineConvert:
		msg = "Document conversion failed"
	case domain.EngineRender:
		msg = "Failed to render PDF pages"
	default:
		msg = "Operation is not supported for this file"
	}
	if e.File != "" {
		msg += " (" + e.File + ")"
	}
	return msg
}

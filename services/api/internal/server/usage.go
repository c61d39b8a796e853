package server

import (
	"net/http"

	"pdfpage/pkg/domain"
	"pdfpage/services/api/internal/app"
)

type limitResponse struct {
	Success          bool                    `json:"success"`
	CanUpload        bool                    `json:"canUpload"`
	RemainingUploads domain.RemainingUploads `json:"remainingUploads"`
	Message          string                  `json:"message"`
	IsPremium        bool                    `json:"isPremium"`
}

type trackRequest struct {
	ToolUsed      string `json:"toolUsed"`
	FileCount     int    `json:"fileCount"`
	TotalFileSize int64  `json:"totalFileSize"`
	SessionID     string `json:"sessionId"`
}

type trackResponse struct {
	Success          bool                    `json:"success"`
	RemainingUploads domain.RemainingUploads `json:"remainingUploads"`
}

// handleCheckLimit reports quota without debiting. A token wins over the
// sessionId query parameter.
func (s *Server) handleCheckLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	p, err := s.principal(w, r, "")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	st, err := s.app.CheckLimit(r.Context(), p)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limitResponse{
		Success:          true,
		CanUpload:        st.CanUpload,
		RemainingUploads: domain.RemainingUploads(st.Remaining),
		Message:          st.Message,
		IsPremium:        st.IsPremium,
	})
}

// handleTrack accounts an operation that ran on the client.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req trackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	p, err := s.principal(w, r, req.SessionID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	adm, err := s.app.Track(r.Context(), p, app.TrackRequest{
		Tool:      req.ToolUsed,
		FileCount: req.FileCount,
		TotalSize: req.TotalFileSize,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("X-Remaining-Uploads", domain.RemainingUploads(adm.Remaining).String())
	writeJSON(w, http.StatusOK, trackResponse{Success: true, RemainingUploads: domain.RemainingUploads(adm.Remaining)})
}

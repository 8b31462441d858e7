package ingestion

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/rpattn/retailingest/internal/auth"
	"github.com/rpattn/retailingest/internal/domain"

	"github.com/google/uuid"
)

const multipartMemory = 32 << 20

// Handler exposes the upload pipeline over HTTP. Every route expects a
// principal placed in the request context by auth.Middleware.
type Handler struct {
	orchestrator   *Orchestrator
	maxUploadBytes int64
	mux            *http.ServeMux
}

type uploadResponse struct {
	Success  bool                    `json:"success"`
	Message  string                  `json:"message"`
	UploadID *uuid.UUID              `json:"uploadId,omitempty"`
	Stats    *domain.IngestionStats  `json:"stats,omitempty"`
	Record   *domain.IngestionRecord `json:"record,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

type deleteResponse struct {
	Deleted int64  `json:"deleted"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPHandler routes the upload endpoints to the orchestrator.
func NewHTTPHandler(orchestrator *Orchestrator, maxUploadBytes int64) *Handler {
	h := &Handler{orchestrator: orchestrator, maxUploadBytes: maxUploadBytes, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /upload", h.upload)
	h.mux.HandleFunc("GET /upload/history", h.history)
	h.mux.HandleFunc("DELETE /upload/history", h.deleteHistory)
	h.mux.HandleFunc("DELETE /upload/history/{id}", h.deleteHistory)
	h.mux.HandleFunc("GET /upload/status/{id}", h.status)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "File too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file uploaded"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file uploaded"})
		return
	}
	defer file.Close()

	handle, err := h.orchestrator.Submit(r.Context(), SubmitRequest{
		TenantID:   principal.TenantID,
		UploadedBy: principal.UserID,
		FileName:   header.Filename,
		Content:    file,
	})
	if err != nil {
		status := statusForError(err)
		message := "Failed to upload file"
		if status == http.StatusBadRequest {
			message = "Invalid upload"
		}
		log.Printf("[HTTP] upload rejected for tenant %s: %v", principal.TenantID, err)
		writeJSON(w, status, uploadResponse{Success: false, Message: message, Error: err.Error()})
		return
	}

	record := handle.Record()
	if strings.EqualFold(r.URL.Query().Get("wait"), "false") {
		writeJSON(w, http.StatusAccepted, uploadResponse{
			Success:  true,
			Message:  "File accepted for processing",
			UploadID: &record.ID,
			Record:   &record,
		})
		return
	}

	result, err := handle.Wait(r.Context())
	if err != nil {
		log.Printf("[HTTP] client left before upload %s finished: %v", record.ID, err)
		return
	}
	if result.Err != nil {
		message := result.Err.Error()
		if result.Record.ErrorMessage != nil && *result.Record.ErrorMessage != "" {
			message = *result.Record.ErrorMessage
		}
		writeJSON(w, http.StatusInternalServerError, uploadResponse{
			Success:  false,
			Message:  "Failed to process file",
			UploadID: &record.ID,
			Stats:    result.Stats,
			Error:    message,
		})
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{
		Success:  true,
		Message:  "File processed successfully",
		UploadID: &record.ID,
		Stats:    result.Stats,
	})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}
	records, err := h.orchestrator.History(r.Context(), tenantID)
	if err != nil {
		h.writeFailure(w, err, "Failed to fetch upload history")
		return
	}
	if records == nil {
		records = []domain.IngestionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) deleteHistory(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}

	var target *uuid.UUID
	if raw := strings.TrimSpace(r.PathValue("id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Upload not found"})
			return
		}
		target = &id
	}

	deleted, err := h.orchestrator.DeleteHistory(r.Context(), tenantID, target)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Upload not found"})
			return
		}
		h.writeFailure(w, err, "Failed to delete upload history")
		return
	}
	message := "Upload history cleared"
	if target != nil {
		message = "Upload deleted"
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleted, Message: message})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Upload not found"})
		return
	}
	record, err := h.orchestrator.Status(r.Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Upload not found"})
			return
		}
		h.writeFailure(w, err, "Failed to fetch upload status")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error, message string) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("[HTTP] %s: %v", strings.ToLower(message), err)
		writeJSON(w, status, errorResponse{Error: message})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	domain "github.com/metrolab/boxupdate/internal/domain/update"
	"github.com/metrolab/boxupdate/internal/logger"
	"github.com/metrolab/boxupdate/internal/repository/ledger"
	"github.com/metrolab/boxupdate/internal/updatepkg"
)

// Service abstracts the orchestrator operations the transport depends on.
type Service interface {
	Submit(ctx context.Context, archivePath string) (*domain.Job, error)
	GetJob(ctx context.Context, updateID string) (*domain.Job, error)
}

// Server implements the update HTTP API.
type Server struct {
	// service provides the orchestration logic behind the endpoints.
	service Service
}

const (
	// codeLocked is returned while another update job is in flight.
	codeLocked = "updates.locked"
	// codeNotFound is returned for unknown update ids.
	codeNotFound = "updates.not_found"
	// codeBadUpload is returned when the multipart upload itself is broken.
	codeBadUpload = "updates.bad_upload"
	// codeInternal is returned for unexpected server-side failures.
	codeInternal = "updates.internal"

	// maxUploadBytes bounds the accepted package size.
	maxUploadBytes = 256 << 20

	// uploadFieldName is the multipart field carrying the archive.
	uploadFieldName = "package"
)

// errorBody is the structured error response shape.
type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}

// NewServer wires the provided service implementation into HTTP handlers.
func NewServer(service Service) *Server {
	return &Server{
		service: service,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/updates", func(r chi.Router) {
		r.Post("/package", s.handleSubmit)
		r.Get("/{update_id}", s.handleGetJob)
	})

	return r
}

// handleSubmit accepts a multipart package upload and starts a job.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	archivePath, err := saveUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadUpload, err.Error())

		return
	}

	defer func() {
		_ = os.Remove(archivePath)
	}()

	job, err := s.service.Submit(ctx, archivePath)
	if err != nil {
		s.writeSubmitError(ctx, w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"update_id": job.UpdateID,
		"status":    job.Status,
	})
}

// handleGetJob serves the latest snapshot for one update id.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	updateID := chi.URLParam(r, "update_id")

	job, err := s.service.GetJob(r.Context(), updateID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "")

			return
		}

		logger.ErrorKV(r.Context(), "Status query failed", "update_id", updateID, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "")

		return
	}

	writeJSON(w, http.StatusOK, job)
}

// writeSubmitError maps submission failures onto the error taxonomy.
func (s *Server) writeSubmitError(ctx context.Context, w http.ResponseWriter, err error) {
	var validationErr *updatepkg.ValidationError
	if errors.As(err, &validationErr) {
		writeError(w, http.StatusBadRequest, validationErr.Code, validationErr.Detail)

		return
	}

	if errors.Is(err, domain.ErrLocked) {
		writeError(w, http.StatusConflict, codeLocked, "")

		return
	}

	logger.ErrorKV(ctx, "Submission failed", "error", err)
	writeError(w, http.StatusInternalServerError, codeInternal, "")
}

// saveUpload copies the uploaded archive to a temporary file and returns
// its path. The caller removes the file when done.
func saveUpload(r *http.Request) (string, error) {
	file, _, err := r.FormFile(uploadFieldName)
	if err != nil {
		return "", err
	}

	defer func() {
		_ = file.Close()
	}()

	tmp, err := os.CreateTemp("", "boxupdate-upload-*.zip")
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(tmp, file); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return "", err
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return "", err
	}

	return tmp.Name(), nil
}

// writeJSON writes a JSON response with the provided status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Code: code, Error: detail})
}

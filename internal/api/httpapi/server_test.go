package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/metrolab/boxupdate/internal/domain/update"
	"github.com/metrolab/boxupdate/internal/repository/ledger"
	"github.com/metrolab/boxupdate/internal/updatepkg"
)

// fakeService is a canned Service implementation for handler tests.
type fakeService struct {
	submitJob *domain.Job
	submitErr error
	getJob    *domain.Job
	getErr    error

	lastUpdateID string
}

func (f *fakeService) Submit(_ context.Context, _ string) (*domain.Job, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}

	return f.submitJob, nil
}

func (f *fakeService) GetJob(_ context.Context, updateID string) (*domain.Job, error) {
	f.lastUpdateID = updateID

	if f.getErr != nil {
		return nil, f.getErr
	}

	return f.getJob, nil
}

// packageUpload builds a multipart request body with an archive under the
// expected field name.
func packageUpload(t *testing.T, fieldName string) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile(fieldName, "package.zip")
	require.NoError(t, err)

	_, err = part.Write([]byte("archive bytes, content is irrelevant here"))
	require.NoError(t, err)

	require.NoError(t, mw.Close())

	return &body, mw.FormDataContentType()
}

// decodeError parses the structured error response.
func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()

	var body errorBody

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	return body
}

func TestHandleSubmit_Accepted(t *testing.T) {
	t.Parallel()

	service := &fakeService{
		submitJob: &domain.Job{UpdateID: "job-1", Status: domain.StatusQueued},
	}
	router := NewServer(service).Router()

	body, contentType := packageUpload(t, uploadFieldName)

	req := httptest.NewRequest(http.MethodPost, "/updates/package", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var response map[string]string

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	require.Equal(t, "job-1", response["update_id"])
	require.Equal(t, string(domain.StatusQueued), response["status"])
}

func TestHandleSubmit_Locked(t *testing.T) {
	t.Parallel()

	service := &fakeService{submitErr: domain.ErrLocked}
	router := NewServer(service).Router()

	body, contentType := packageUpload(t, uploadFieldName)

	req := httptest.NewRequest(http.MethodPost, "/updates/package", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "updates.locked", decodeError(t, rec).Code)
}

// TestHandleSubmit_ValidationError surfaces the validator's code and
// detail to the caller.
func TestHandleSubmit_ValidationError(t *testing.T) {
	t.Parallel()

	service := &fakeService{
		submitErr: &updatepkg.ValidationError{
			Code:   updatepkg.CodeChecksumMismatch,
			Detail: "component \"firmware\": payload bytes do not match declared sha256",
		},
	}
	router := NewServer(service).Router()

	body, contentType := packageUpload(t, uploadFieldName)

	req := httptest.NewRequest(http.MethodPost, "/updates/package", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	response := decodeError(t, rec)
	require.Equal(t, updatepkg.CodeChecksumMismatch, response.Code)
	require.Contains(t, response.Error, "firmware")
}

func TestHandleSubmit_MissingField(t *testing.T) {
	t.Parallel()

	service := &fakeService{
		submitJob: &domain.Job{UpdateID: "job-1", Status: domain.StatusQueued},
	}
	router := NewServer(service).Router()

	body, contentType := packageUpload(t, "wrong_field")

	req := httptest.NewRequest(http.MethodPost, "/updates/package", body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "updates.bad_upload", decodeError(t, rec).Code)
}

func TestHandleGetJob_Snapshot(t *testing.T) {
	t.Parallel()

	service := &fakeService{
		getJob: &domain.Job{
			UpdateID:  "job-1",
			PackageID: "release-fw",
			Status:    domain.StatusRunning,
			CreatedAt: time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC),
			Heartbeat: time.Date(2026, 8, 1, 10, 30, 4, 0, time.UTC),
			Components: map[string]*domain.ComponentState{
				domain.ComponentFirmware: {Status: domain.ComponentRunning},
			},
			Versions: map[string]string{},
		},
	}
	router := NewServer(service).Router()

	req := httptest.NewRequest(http.MethodGet, "/updates/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "job-1", service.lastUpdateID)

	var snapshot map[string]any

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, "job-1", snapshot["update_id"])
	require.Equal(t, "running", snapshot["status"])
	require.NotContains(t, snapshot, "restart")
	require.NotContains(t, snapshot, "error")

	components, ok := snapshot["components"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, components, domain.ComponentFirmware)
}

func TestHandleGetJob_NotFound(t *testing.T) {
	t.Parallel()

	service := &fakeService{getErr: ledger.ErrNotFound}
	router := NewServer(service).Router()

	req := httptest.NewRequest(http.MethodGet, "/updates/no-such-id", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "updates.not_found", decodeError(t, rec).Code)
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	router := NewServer(&fakeService{}).Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

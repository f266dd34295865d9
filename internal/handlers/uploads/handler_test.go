package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediavault/internal/auth"
	"mediavault/internal/errors"
	"mediavault/internal/replace"
	"mediavault/internal/upload"
)

type stubService struct {
	submit  *upload.QueuedUploadResult
	replace *replace.Result
	status  *StatusResponse
	err     error

	gotProfile  string
	gotFilename string
	gotUser     auth.UserInfo
	gotBody     []byte
}

func (s *stubService) Submit(_ context.Context, user auth.UserInfo, src upload.Source, profile, _ string) (*upload.QueuedUploadResult, error) {
	s.gotUser = user
	s.gotProfile = profile
	s.gotFilename = src.Filename
	s.gotBody, _ = io.ReadAll(src.Reader)
	return s.submit, s.err
}

func (s *stubService) ReplaceSync(_ context.Context, user auth.UserInfo, src upload.Source, profile, _ string) (*replace.Result, error) {
	s.gotUser = user
	s.gotProfile = profile
	s.gotFilename = src.Filename
	return s.replace, s.err
}

func (s *stubService) Status(_ context.Context, token string) (*StatusResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.status, nil
}

func multipartBody(t *testing.T, profile string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if profile != "" {
		require.NoError(t, mw.WriteField("profile", profile))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func authed(r *http.Request) *http.Request {
	return r.WithContext(auth.WithUser(r.Context(), auth.UserInfo{
		ID:       "user-42",
		TenantID: "tenant-1",
		Username: "tester",
	}))
}

func TestSubmit_Accepted(t *testing.T) {
	svc := &stubService{submit: &upload.QueuedUploadResult{
		QuarantineToken: "tok-1",
		CorrelationID:   "corr-1",
		Status:          "processing",
	}}
	handler := NewUploadHandler(svc)

	body, contentType := multipartBody(t, "avatar", "me.png", []byte("png bytes"))
	req := authed(httptest.NewRequest(http.MethodPost, "/uploads", body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Submit(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var got upload.QueuedUploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "tok-1", got.QuarantineToken)
	assert.Equal(t, "processing", got.Status)

	assert.Equal(t, "avatar", svc.gotProfile)
	assert.Equal(t, "me.png", svc.gotFilename)
	assert.Equal(t, []byte("png bytes"), svc.gotBody)
	assert.Equal(t, "user-42", svc.gotUser.ID)
	assert.Equal(t, "tenant-1", svc.gotUser.TenantID)
}

func TestSubmit_RequiresAuth(t *testing.T) {
	handler := NewUploadHandler(&stubService{})

	body, contentType := multipartBody(t, "avatar", "me.png", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Submit(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSubmit_MissingFile(t *testing.T) {
	handler := NewUploadHandler(&stubService{})

	body, contentType := multipartBody(t, "avatar", "", nil)
	req := authed(httptest.NewRequest(http.MethodPost, "/uploads", body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Submit(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_MissingProfile(t *testing.T) {
	handler := NewUploadHandler(&stubService{})

	body, contentType := multipartBody(t, "", "me.png", []byte("x"))
	req := authed(httptest.NewRequest(http.MethodPost, "/uploads", body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.Submit(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errors.NewReason(errors.ErrMaxSizeExceeded, "declared_size", "Too large", nil), http.StatusRequestEntityTooLarge},
		{errors.NewReason(errors.ErrValidationFailed, "mime_not_allowed", "Not allowed", nil), http.StatusBadRequest},
		{errors.New(errors.ErrInternal, "Upload could not be queued", fmt.Errorf("nats down")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		handler := NewUploadHandler(&stubService{err: tc.err})
		body, contentType := multipartBody(t, "avatar", "me.png", []byte("x"))
		req := authed(httptest.NewRequest(http.MethodPost, "/uploads", body))
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()

		handler.Submit(rec, req)
		assert.Equal(t, tc.status, rec.Code, "error %v", tc.err)
	}
}

func TestSubmitSync_ReturnsReplacementResult(t *testing.T) {
	svc := &stubService{replace: &replace.Result{
		Media: &upload.MediaResource{
			ArtifactID:    "art-1",
			Path:          "art-1/original.png",
			Collection:    "avatars",
			CorrelationID: "corr-1",
		},
		Expectations: replace.Expectations{"thumb"},
	}}
	handler := NewUploadHandler(svc)

	body, contentType := multipartBody(t, "avatar", "me.png", []byte("png bytes"))
	req := authed(httptest.NewRequest(http.MethodPost, "/uploads/sync", body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	handler.SubmitSync(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got replace.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Media)
	assert.Equal(t, "art-1", got.Media.ArtifactID)
}

func TestStatus(t *testing.T) {
	svc := &stubService{status: &StatusResponse{Token: "tok-1", State: "scanning"}}
	handler := NewUploadHandler(svc)

	router := chi.NewRouter()
	router.Get("/uploads/{token}/status", handler.Status)

	req := authed(httptest.NewRequest(http.MethodGet, "/uploads/tok-1/status", nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "scanning", got.State)
}

func TestStatus_UnknownToken(t *testing.T) {
	svc := &stubService{err: errors.New(errors.ErrNotFound, "Unknown quarantine token", nil)}
	handler := NewUploadHandler(svc)

	router := chi.NewRouter()
	router.Get("/uploads/{token}/status", handler.Status)

	req := authed(httptest.NewRequest(http.MethodGet, "/uploads/nope/status", nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package uploads

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mediavault/internal/auth"
	"mediavault/internal/errors"
	"mediavault/internal/json"
	"mediavault/internal/upload"
)

// maxMultipartMemory caps how much of the multipart body is buffered in
// memory before spilling to a temp file. The actual size limit is enforced
// per profile during quarantine.
const maxMultipartMemory = 8 << 20

type UploadHandler struct {
	service UploadService
}

func NewUploadHandler(svc UploadService) *UploadHandler {
	return &UploadHandler{
		service: svc,
	}
}

// Submit handles POST /uploads: quarantine and answer 202 with a pollable
// token while the worker does the heavy lifting.
func (h *UploadHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userInfo, err := auth.GetUserInfo(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Unauthorized access attempt", "error", err)
		errors.RespondError(w, r, errors.New(errors.ErrUnauthorized, "Unauthorized access", err))
		return
	}

	src, profile, cleanup, err := readUpload(r)
	if err != nil {
		errors.RespondError(w, r, err)
		return
	}
	defer cleanup()

	result, err := h.service.Submit(ctx, userInfo, src, profile, r.Header.Get("X-Correlation-Id"))
	if err != nil {
		slog.WarnContext(ctx, "Upload submission failed", "error", err)
		errors.RespondError(w, r, err)
		return
	}

	json.Write(w, http.StatusAccepted, result)
}

// SubmitSync handles POST /uploads/sync: the full pipeline runs before the
// response, replacing any prior artifact in single-file collections.
func (h *UploadHandler) SubmitSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userInfo, err := auth.GetUserInfo(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Unauthorized access attempt", "error", err)
		errors.RespondError(w, r, errors.New(errors.ErrUnauthorized, "Unauthorized access", err))
		return
	}

	src, profile, cleanup, err := readUpload(r)
	if err != nil {
		errors.RespondError(w, r, err)
		return
	}
	defer cleanup()

	result, err := h.service.ReplaceSync(ctx, userInfo, src, profile, r.Header.Get("X-Correlation-Id"))
	if err != nil {
		slog.WarnContext(ctx, "Synchronous upload failed", "error", err)
		errors.RespondError(w, r, err)
		return
	}

	json.Write(w, http.StatusCreated, result)
}

// Status handles GET /uploads/{token}/status.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := auth.GetUserInfo(ctx); err != nil {
		errors.RespondError(w, r, errors.New(errors.ErrUnauthorized, "Unauthorized access", err))
		return
	}

	status, err := h.service.Status(ctx, chi.URLParam(r, "token"))
	if err != nil {
		errors.RespondError(w, r, err)
		return
	}

	json.Write(w, http.StatusOK, status)
}

// readUpload extracts the multipart file and profile tag. The returned
// cleanup must run after the service call so the temp-backed file stays
// readable while it streams into quarantine.
func readUpload(r *http.Request) (upload.Source, string, func(), error) {
	noop := func() {}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return upload.Source{}, "", noop, errors.New(errors.ErrInvalidInput,
			"Request must be multipart/form-data with a file field", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return upload.Source{}, "", noop, errors.New(errors.ErrInvalidInput,
			"Missing file field", err)
	}

	profile := r.FormValue("profile")
	if profile == "" {
		file.Close()
		return upload.Source{}, "", noop, errors.New(errors.ErrInvalidInput,
			"Missing profile field", nil)
	}

	src := upload.Source{
		Reader:       file,
		Filename:     header.Filename,
		DeclaredMIME: header.Header.Get("Content-Type"),
		DeclaredSize: header.Size,
	}
	return src, profile, func() { file.Close() }, nil
}

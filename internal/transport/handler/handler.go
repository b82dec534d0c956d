package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Darmau/koktohay-api/internal/config"
	"github.com/Darmau/koktohay-api/internal/entities"
	use_case "github.com/Darmau/koktohay-api/internal/use-case"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type UseCase interface {
	IntakeRaw(ctx context.Context, raw []byte, declaredMime string) (entities.Image, error)
	GetImage(ctx context.Context, id int64) (entities.Image, error)
	GetDerivativeUrls(ctx context.Context, id int64) (use_case.URLs, error)
	Latest(ctx context.Context, limit, page int) ([]use_case.Summary, error)
	Retry(ctx context.Context, id int64) error
	ReplaceRaw(ctx context.Context, id int64, raw []byte, declaredMime string) (entities.Image, error)
	UpdateMeta(ctx context.Context, id int64, patch entities.MetaPatch) (entities.Image, error)
	Delete(ctx context.Context, id int64) error
}

// HealthCheck reports whether one backing service answers.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	useCase   UseCase
	cfg       *config.Config
	validator *validator.Validate
	checks    map[string]HealthCheck
	log       *slog.Logger
}

func New(useCase UseCase, cfg *config.Config, log *slog.Logger) *Handler {
	return &Handler{
		useCase:   useCase,
		cfg:       cfg,
		validator: validator.New(),
		checks:    map[string]HealthCheck{},
		log:       log.With("component", "http"),
	}
}

func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

// fail writes err as JSON. Server-side failures are logged and reported,
// and the client only sees the status text.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		writeJSONError(w, http.StatusText(code), code)
		return
	}
	writeJSONError(w, err.Error(), code)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.log.Warn("health check failed", "check", name, "err", err)
			status[name] = "down"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	writeJSON(w, code, status)
}

// readUpload pulls the "image" part of a multipart body, within the
// configured size limits.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	if err := r.ParseMultipartForm(h.cfg.Upload.MaxMultipartMemoryMB << 20); err != nil {
		writeMultipartError(w, err)
		return nil, "", false
	}

	file, fh, err := r.FormFile("image")
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			writeJSONError(w, `missing image file: form field key should be "image"`, http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the file: "+err.Error(), http.StatusBadRequest)
		}
		return nil, "", false
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, "failed to read upload: "+err.Error(), http.StatusBadRequest)
		return nil, "", false
	}
	return raw, fh.Header.Get("Content-Type"), true
}

func (h *Handler) imageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err := h.validator.Struct(IDParam{ID: id}); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return 0, false
	}
	return id, true
}

func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	raw, declared, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	img, err := h.useCase.IntakeRaw(r.Context(), raw, declared)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, img)
}

func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := h.imageID(w, r)
	if !ok {
		return
	}
	img, err := h.useCase.GetImage(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (h *Handler) GetURLs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.imageID(w, r)
	if !ok {
		return
	}
	urls, err := h.useCase.GetDerivativeUrls(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, urls)
}

func (h *Handler) Latest(w http.ResponseWriter, r *http.Request) {
	params := LatestParams{
		Limit: parseIntDefault(r.URL.Query().Get("limit"), 20),
		Page:  parseIntDefault(r.URL.Query().Get("page"), 1),
	}
	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return
	}

	list, err := h.useCase.Latest(r.Context(), params.Limit, params.Page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.imageID(w, r)
	if !ok {
		return
	}
	if err := h.useCase.Retry(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) ReplaceRaw(w http.ResponseWriter, r *http.Request) {
	id, ok := h.imageID(w, r)
	if !ok {
		return
	}
	raw, declared, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	img, err := h.useCase.ReplaceRaw(r.Context(), id, raw, declared)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (h *Handler) UpdateMeta(w http.ResponseWriter, r *http.Request) {
	id, ok := h.imageID(w, r)
	if !ok {
		return
	}

	var patch entities.MetaPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeJSONError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	img, err := h.useCase.UpdateMeta(r.Context(), id, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.imageID(w, r)
	if !ok {
		return
	}
	if err := h.useCase.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

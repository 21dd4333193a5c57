package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/sheetgrader/internal/model"
	"github.com/pavelanni/sheetgrader/internal/objstore"
	"github.com/pavelanni/sheetgrader/internal/store"
)

// Grader runs grading tasks in the background.
type Grader interface {
	Enqueue(ctx context.Context, sheetID int64) (model.GradingTask, error)
	CancelTask(ctx context.Context, taskID string) (model.GradingTask, error)
	CancelSheet(ctx context.Context, sheetID int64) ([]string, error)
}

// Config holds request limits for the API.
type Config struct {
	// MaxUploadBytes caps the multipart body of an upload.
	MaxUploadBytes int64
	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	objects *objstore.Store
	grader  Grader
	config  Config
	logger  *slog.Logger
}

// New creates a new Handler.
func New(s *store.Store, objects *objstore.Store, g Grader, cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 25 << 20
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, objects: objects, grader: g, config: cfg, logger: logger}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/answerSheet", func(r chi.Router) {
		r.Post("/upload", h.handleUpload)
		r.Post("/saveConfiguration", h.handleSaveConfiguration)
		r.Get("/configuration", h.handleGetConfiguration)
		r.Get("/current", h.handleCurrent)
		r.Get("/tasks/{taskID}", h.handleGetTask)
		r.Post("/tasks/{taskID}/cancel", h.handleCancelTask)
		r.Get("/{sheetID}", h.handleGetSheet)
		r.Post("/{sheetID}/grade", h.handleGrade)
	})

	r.Get("/files/*", h.handleSignedFile)
	r.Get("/public/*", h.handlePublicFile)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeMessage(w, r, http.StatusServiceUnavailable, "ErrUnavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sheetKey(r *http.Request) (model.SheetKey, bool) {
	q := r.URL.Query()
	key := model.SheetKey{ExamID: q.Get("examId"), StudentID: q.Get("studentId")}
	return key, key.ExamID != ""
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	key, ok := sheetKey(r)
	if !ok {
		writeMessage(w, r, http.StatusBadRequest, "ErrExamIDRequired", nil)
		return
	}
	sh, err := h.store.CurrentSheet(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := h.store.GetSheetView(r.Context(), sh.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func sheetID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sheetID"), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) handleGetSheet(w http.ResponseWriter, r *http.Request) {
	id, ok := sheetID(r)
	if !ok {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadSheetID", nil)
		return
	}
	view, err := h.store.GetSheetView(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type taskResponse struct {
	Success bool   `json:"success"`
	TaskID  string `json:"taskId"`
	Status  string `json:"status"`
}

// handleGrade starts a background run. FAILED sheets resume from the state they failed in.
func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	id, ok := sheetID(r)
	if !ok {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadSheetID", nil)
		return
	}
	task, err := h.grader.Enqueue(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("grading requested", "sheet_id", id, "task_id", task.ID)
	writeJSON(w, http.StatusAccepted, taskResponse{Success: true, TaskID: task.ID, Status: string(task.Status)})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.grader.CancelTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (h *Handler) handleSignedFile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	q := r.URL.Query()
	if !h.objects.VerifySignature(key, q.Get("expires"), q.Get("sig")) {
		writeMessage(w, r, http.StatusForbidden, "ErrForbidden", nil)
		return
	}
	h.serveObject(w, r, key)
}

func (h *Handler) handlePublicFile(w http.ResponseWriter, r *http.Request) {
	h.serveObject(w, r, chi.URLParam(r, "*"))
}

func (h *Handler) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	f, err := h.objects.Open(key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if info.IsDir() {
		writeMessage(w, r, http.StatusNotFound, "ErrNotFound", nil)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}


package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pavelanni/sheetgrader/internal/model"
	"github.com/pavelanni/sheetgrader/internal/store"
)

type uploadResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Key     string `json:"key"`
	FileURL string `json:"fileUrl"`
	TaskID  string `json:"taskId,omitempty"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, r, http.StatusRequestEntityTooLarge, "ErrFileTooLarge",
				map[string]any{"Limit": h.config.MaxUploadBytes >> 20})
			return
		}
		writeMessage(w, r, http.StatusBadRequest, "ErrFileRequired", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "ErrFileRequired", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	key, err := h.objects.Store(ctx, data, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	fileURL, err := h.objects.PublicURLFor(key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := uploadResponse{Success: true, ID: key, Key: key, FileURL: fileURL}

	examID := strings.TrimSpace(r.FormValue("examId"))
	if examID == "" {
		h.logger.Info("stored file", "key", key, "bytes", len(data))
		writeJSON(w, http.StatusCreated, resp)
		return
	}

	sk := model.SheetKey{ExamID: examID, StudentID: strings.TrimSpace(r.FormValue("studentId"))}
	up, err := h.store.AttachUpload(ctx, sk, key, header.Filename)
	if err != nil {
		if derr := h.objects.Delete(ctx, key); derr != nil {
			h.logger.Warn("remove orphaned upload", "key", key, "error", derr)
		}
		h.writeError(w, r, err)
		return
	}
	if up.Superseded != 0 {
		if _, err := h.grader.CancelSheet(ctx, up.Superseded); err != nil {
			h.logger.Warn("cancel superseded sheet", "sheet_id", up.Superseded, "error", err)
		}
	}
	resp.ID = strconv.FormatInt(up.Sheet.ID, 10)
	h.logger.Info("uploaded answer sheet",
		"sheet_id", up.Sheet.ID, "exam_id", sk.ExamID, "student_id", sk.StudentID,
		"key", key, "superseded", up.Superseded)

	if auto, _ := strconv.ParseBool(r.FormValue("autoGrade")); auto {
		task, err := h.grader.Enqueue(ctx, up.Sheet.ID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		resp.TaskID = task.ID
	}
	writeJSON(w, http.StatusCreated, resp)
}

type configRequest struct {
	ExamID               string          `json:"examId"`
	StudentID            string          `json:"studentId"`
	Config1              json.RawMessage `json:"config1"`
	Config2              json.RawMessage `json:"config2"`
	Config3              json.RawMessage `json:"config3"`
	PythonParsedResponse json.RawMessage `json:"pythonParsedResponse"`
}

type configResponse struct {
	Success              bool            `json:"success"`
	ID                   int64           `json:"id"`
	ExamID               string          `json:"examId"`
	StudentID            string          `json:"studentId,omitempty"`
	Config1              json.RawMessage `json:"config1"`
	Config2              json.RawMessage `json:"config2"`
	Config3              json.RawMessage `json:"config3"`
	PythonParsedResponse json.RawMessage `json:"pythonParsedResponse"`
}

// encode renders the response with each document copied verbatim.
func (c configResponse) encode() []byte {
	var buf bytes.Buffer
	field := func(name string, v any) {
		b, _ := json.Marshal(v)
		buf.WriteString(`"` + name + `":`)
		buf.Write(b)
		buf.WriteByte(',')
	}
	doc := func(name string, raw json.RawMessage, last bool) {
		buf.WriteString(`"` + name + `":`)
		if len(raw) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(raw)
		}
		if !last {
			buf.WriteByte(',')
		}
	}
	buf.WriteByte('{')
	field("success", c.Success)
	field("id", c.ID)
	field("examId", c.ExamID)
	if c.StudentID != "" {
		field("studentId", c.StudentID)
	}
	doc("config1", c.Config1, false)
	doc("config2", c.Config2, false)
	doc("config3", c.Config3, false)
	doc("pythonParsedResponse", c.PythonParsedResponse, true)
	buf.WriteString("}\n")
	return buf.Bytes()
}

// unwrapDoc accepts a document sent either as JSON or as a string holding
// JSON, and returns the JSON form.
func unwrapDoc(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return raw
	}
	if inner := []byte(strings.TrimSpace(s)); json.Valid(inner) {
		return inner
	}
	return raw
}

func (h *Handler) handleSaveConfiguration(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, r, http.StatusBadRequest, "ErrBadJSON", nil)
		return
	}
	req.ExamID = strings.TrimSpace(req.ExamID)
	if req.ExamID == "" {
		writeMessage(w, r, http.StatusBadRequest, "ErrExamIDRequired", nil)
		return
	}

	sh, err := h.store.SaveConfiguration(r.Context(), store.ConfigUpdate{
		Key: model.SheetKey{ExamID: req.ExamID, StudentID: strings.TrimSpace(req.StudentID)},
		Configs: model.Configs{
			Layout:  unwrapDoc(req.Config1),
			Scoring: unwrapDoc(req.Config2),
			Diagram: unwrapDoc(req.Config3),
		},
		AnswerKey: unwrapDoc(req.PythonParsedResponse),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("saved configuration", "sheet_id", sh.ID, "exam_id", sh.ExamID, "student_id", sh.StudentID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": sh.ID})
}

func (h *Handler) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
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
	writeRaw(w, http.StatusOK, configResponse{
		Success:              true,
		ID:                   sh.ID,
		ExamID:               sh.ExamID,
		StudentID:            sh.StudentID,
		Config1:              sh.Configs.Layout,
		Config2:              sh.Configs.Scoring,
		Config3:              sh.Configs.Diagram,
		PythonParsedResponse: sh.AnswerKeyRaw,
	}.encode())
}

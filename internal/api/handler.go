package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/RichardoC/focus-fox/internal/chat"
	"github.com/RichardoC/focus-fox/internal/db"
	"github.com/RichardoC/focus-fox/internal/llm"
	"github.com/RichardoC/focus-fox/internal/models"
	"github.com/RichardoC/focus-fox/internal/page"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	roomIDHeader    = "X-Room-ID"
)

type Handler struct {
	chat   *chat.Controller
	page   *page.Snapshot
	logger *zap.Logger
}

func NewHandler(controller *chat.Controller, snapshot *page.Snapshot, logger *zap.Logger) *Handler {
	return &Handler{
		chat:   controller,
		page:   snapshot,
		logger: logger,
	}
}

type MessageRequest struct {
	Content       string   `json:"content"`
	ModelID       string   `json:"model_id"`
	SelectedTexts []string `json:"selected_texts,omitempty"`
}

type ReplyRequest struct {
	ModelID string `json:"model_id"`
}

// ModelView is a stored model configuration as the API shows it. The key
// itself never leaves the server.
type ModelView struct {
	ID        string `json:"id"`
	Model     string `json:"model"`
	BaseURL   string `json:"base_url"`
	HasAPIKey bool   `json:"has_apikey"`
}

func newModelView(cfg models.ModelConfig) ModelView {
	return ModelView{
		ID:        cfg.ID,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		HasAPIKey: cfg.APIKey != "",
	}
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type SelectionRequest struct {
	Text string `json:"text"`
}

type PageRequest struct {
	URL      string `json:"url"`
	Markdown string `json:"markdown"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	RoomID string `json:"room_id,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	before, limit, err := pageParams(r, defaultPageSize)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rooms, err := h.chat.Rooms(r.Context(), before, limit)
	if err != nil {
		h.fail(w, r, "", "Failed to list rooms", err)
		return
	}
	respondJSON(w, http.StatusOK, rooms)
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	room, err := h.chat.CreateRoom(r.Context(), req.Name)
	if err != nil {
		h.fail(w, r, "", "Failed to create room", err)
		return
	}
	respondJSON(w, http.StatusCreated, room)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	before, limit, err := pageParams(r, h.chat.Window())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.chat.History(r.Context(), roomID, before, limit)
	if err != nil {
		h.fail(w, r, roomID, "Failed to get messages", err)
		return
	}
	respondJSON(w, http.StatusOK, messages)
}

// PostMessage sends a message and streams the reply as server-sent events:
// "fragment" events while the reply arrives, then a "message" event with the
// stored reply or an "error" event. Failures before the first fragment are
// answered with a plain JSON error instead. The room id, generated here for a
// new conversation, is returned in the X-Room-ID header and in error bodies.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		roomID = h.chat.NewRoomID()
	}

	h.streamReply(w, r, roomID, "Failed to send message", func(onFragment func(string)) (*models.Message, error) {
		return h.chat.Send(r.Context(), chat.SendRequest{
			RoomID:        roomID,
			ModelID:       req.ModelID,
			Content:       req.Content,
			SelectedTexts: req.SelectedTexts,
			OnFragment:    onFragment,
		})
	})
}

// Reply answers a room's stored history again, typically after a send whose
// completion failed. The response is streamed like PostMessage.
func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	roomID := chi.URLParam(r, "roomID")
	h.streamReply(w, r, roomID, "Failed to reply", func(onFragment func(string)) (*models.Message, error) {
		return h.chat.Reply(r.Context(), chat.ReplyRequest{
			RoomID:     roomID,
			ModelID:    req.ModelID,
			OnFragment: onFragment,
		})
	})
}

func (h *Handler) streamReply(w http.ResponseWriter, r *http.Request, roomID, msg string, send func(onFragment func(string)) (*models.Message, error)) {
	w.Header().Set(roomIDHeader, roomID)

	events := newEventWriter(w)
	reply, err := send(func(fragment string) {
		if err := events.send("fragment", fragment); err != nil {
			h.logger.Debug("Failed to write fragment", zap.Error(err))
		}
	})
	if err != nil {
		if !events.started {
			h.fail(w, r, roomID, msg, err)
			return
		}
		events.send("error", ErrorResponse{Error: err.Error(), RoomID: roomID})
		return
	}

	if err := events.send("message", reply); err != nil {
		h.logger.Error("Failed to write reply", zap.Error(err))
	}
}

func (h *Handler) AddSelection(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	roomID := chi.URLParam(r, "roomID")
	h.chat.AddSelection(roomID, req.Text)
	respondJSON(w, http.StatusAccepted, h.chat.PendingSelections(roomID))
}

func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.chat.Models(r.Context())
	if err != nil {
		h.fail(w, r, "", "Failed to list models", err)
		return
	}

	views := make([]ModelView, 0, len(cfgs))
	for _, cfg := range cfgs {
		views = append(views, newModelView(cfg))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handler) SaveModel(w http.ResponseWriter, r *http.Request) {
	var cfg models.ModelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if cfg.Model == "" || cfg.BaseURL == "" {
		respondError(w, http.StatusBadRequest, "model and base_url are required")
		return
	}

	saved, err := h.chat.SaveModel(r.Context(), cfg)
	if err != nil {
		h.fail(w, r, "", "Failed to save model", err)
		return
	}
	respondJSON(w, http.StatusOK, newModelView(*saved))
}

func (h *Handler) SetPage(w http.ResponseWriter, r *http.Request) {
	var req PageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	h.page.Set(req.URL, req.Markdown)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ClearPage(w http.ResponseWriter, r *http.Request) {
	h.page.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// fail answers with the status for err. roomID is echoed back unless the
// request was rejected before touching the room.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, roomID, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg,
			zap.Error(err),
			zap.String("roomID", roomID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
	}

	resp := ErrorResponse{Error: fmt.Sprintf("%s: %v", msg, err)}
	if status == http.StatusBadRequest {
		w.Header().Del(roomIDHeader)
	} else {
		resp.RoomID = roomID
	}
	respondJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyInput), errors.Is(err, chat.ErrNoModelSelected):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrSendInProgress),
		errors.Is(err, chat.ErrAlreadyAnswered),
		errors.Is(err, db.ErrConstraintViolation),
		errors.Is(err, db.ErrPartitionMismatch):
		return http.StatusConflict
	case errors.Is(err, llm.ErrCompletionFailure):
		return http.StatusBadGateway
	case errors.Is(err, db.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func pageParams(r *http.Request, defaultLimit int) (string, int, error) {
	q := r.URL.Query()
	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return "", 0, fmt.Errorf("invalid limit %q", v)
		}
		limit = n
	}
	return q.Get("before"), limit, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

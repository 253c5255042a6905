package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RichardoC/focus-fox/internal/chat"
	"github.com/RichardoC/focus-fox/internal/config"
	"github.com/RichardoC/focus-fox/internal/db"
	"github.com/RichardoC/focus-fox/internal/llm"
	"github.com/RichardoC/focus-fox/internal/models"
	"github.com/RichardoC/focus-fox/internal/page"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"
)

type replayModel struct {
	mu        sync.Mutex
	fragments []string
	err       error

	// started receives once per call; hold, when set, blocks every call
	// until it is closed.
	started chan struct{}
	hold    chan struct{}
}

func (m *replayModel) script(fragments []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fragments, m.err = fragments, err
}

func (m *replayModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	fragments, failure := m.fragments, m.err
	m.mu.Unlock()

	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.hold != nil {
		select {
		case <-m.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	for _, f := range fragments {
		if err := opts.StreamingFunc(ctx, []byte(f)); err != nil {
			return nil, err
		}
	}
	if failure != nil {
		return nil, failure
	}
	return &llms.ContentResponse{}, nil
}

func (m *replayModel) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return "", errors.New("not implemented")
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	return events
}

func newTestServer(t *testing.T, model *replayModel) (http.Handler, *db.Database) {
	t.Helper()
	return newTestServerWindow(t, model, 0)
}

func newTestServerWindow(t *testing.T, model *replayModel, window int) (http.Handler, *db.Database) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := zaptest.NewLogger(t)
	snapshot := &page.Snapshot{}
	completer := llm.New(func(models.ModelConfig) (llms.Model, error) { return model, nil }, logger)
	controller := chat.NewController(database, completer, logger, chat.Options{
		ContextWindow: window,
		Page:          snapshot,
	})

	origins := strings.Split(config.DefaultAllowedOrigins, ",")
	return NewRouter(NewHandler(controller, snapshot, logger), origins), database
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return doFrom(t, h, "", method, path, body)
}

func doFrom(t *testing.T, h http.Handler, origin, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp
}

func saveLocalModel(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, http.MethodPut, "/api/models", `{"id":"local","apikey":"k","model":"llama3.1:8b","base_url":"http://localhost:11434/v1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /api/models = %d %s", rec.Code, rec.Body)
	}
}

func TestPostMessageStreamsReply(t *testing.T) {
	h, _ := newTestServer(t, &replayModel{fragments: []string{"He", "llo!"}})
	saveLocalModel(t, h)

	rec := do(t, h, http.MethodPost, "/api/messages", `{"content":"hi","model_id":"local"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	events := readEvents(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("events = %+v, want 3", events)
	}
	if events[0].name != "fragment" || events[0].data != `"He"` || events[1].data != `"llo!"` {
		t.Errorf("fragment events = %+v", events[:2])
	}

	var reply models.Message
	if events[2].name != "message" {
		t.Fatalf("last event = %+v", events[2])
	}
	if err := json.Unmarshal([]byte(events[2].data), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Content != "Hello!" || reply.Role != models.RoleAssistant || reply.RoomID == "" {
		t.Errorf("reply = %+v", reply)
	}
	if got := rec.Header().Get("X-Room-ID"); got != reply.RoomID {
		t.Errorf("X-Room-ID = %q, want %q", got, reply.RoomID)
	}

	rec = do(t, h, http.MethodGet, "/api/rooms/"+reply.RoomID+"/messages?limit=10", "")
	var history []models.Message
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 || history[0].Content != "hi" || history[1].ID != reply.ID {
		t.Errorf("history = %+v", history)
	}

	rec = do(t, h, http.MethodGet, "/api/rooms", "")
	var rooms []models.Room
	if err := json.NewDecoder(rec.Body).Decode(&rooms); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != reply.RoomID {
		t.Errorf("rooms = %+v", rooms)
	}
}

func TestPostMessageRejectsBadRequests(t *testing.T) {
	h, _ := newTestServer(t, &replayModel{fragments: []string{"x"}})
	saveLocalModel(t, h)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"empty content", `{"content":"  ","model_id":"local"}`, http.StatusBadRequest},
		{"no model", `{"content":"hi"}`, http.StatusBadRequest},
		{"unknown model", `{"content":"hi","model_id":"nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/messages", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
			if id := rec.Header().Get("X-Room-ID"); id != "" {
				t.Errorf("X-Room-ID = %q for a rejected request", id)
			}
		})
	}
}

func TestFailedNewRoomCanBeRetried(t *testing.T) {
	model := &replayModel{err: errors.New("unauthorized")}
	h, database := newTestServer(t, model)
	saveLocalModel(t, h)

	rec := do(t, h, http.MethodPost, "/api/messages", `{"content":"hi","model_id":"local"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (%s)", rec.Code, rec.Body)
	}
	roomID := rec.Header().Get("X-Room-ID")
	if roomID == "" {
		t.Fatal("X-Room-ID missing from the failed send")
	}
	if resp := decodeError(t, rec); resp.RoomID != roomID {
		t.Errorf("error room_id = %q, want %q", resp.RoomID, roomID)
	}

	msgs, err := database.Messages(roomID).Load(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("messages = %+v, want only the user message", msgs)
	}

	model.script([]string{"Hello!"}, nil)
	rec = do(t, h, http.MethodPost, "/api/rooms/"+roomID+"/reply", `{"model_id":"local"}`)
	events := readEvents(t, rec.Body.String())
	if len(events) != 2 || events[1].name != "message" {
		t.Fatalf("reply events = %+v", events)
	}

	msgs, err = database.Messages(roomID).Load(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Content != "Hello!" {
		t.Errorf("messages after retry = %+v", msgs)
	}

	rec = do(t, h, http.MethodPost, "/api/rooms/"+roomID+"/reply", `{"model_id":"local"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("second reply = %d, want 409 (%s)", rec.Code, rec.Body)
	}
}

func TestPostMessageFailureMidStream(t *testing.T) {
	h, _ := newTestServer(t, &replayModel{fragments: []string{"He"}, err: errors.New("reset")})
	saveLocalModel(t, h)

	rec := do(t, h, http.MethodPost, "/api/rooms/R1/messages", `{"content":"hi","model_id":"local"}`)
	events := readEvents(t, rec.Body.String())
	if len(events) != 2 || events[0].name != "fragment" || events[1].name != "error" {
		t.Fatalf("events = %+v, want fragment then error", events)
	}
	var resp ErrorResponse
	if err := json.Unmarshal([]byte(events[1].data), &resp); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if resp.RoomID != "R1" {
		t.Errorf("error event room_id = %q, want R1", resp.RoomID)
	}
}

func TestPostMessageToBusyRoomIsRejected(t *testing.T) {
	model := &replayModel{
		fragments: []string{"done"},
		started:   make(chan struct{}, 1),
		hold:      make(chan struct{}),
	}
	h, database := newTestServer(t, model)
	saveLocalModel(t, h)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/rooms/R1/messages", strings.NewReader(`{"content":"first","model_id":"local"}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		first <- rec
	}()

	select {
	case <-model.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first send never reached the model")
	}

	rec := do(t, h, http.MethodPost, "/api/rooms/R1/messages", `{"content":"second","model_id":"local"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("second send = %d, want 409 (%s)", rec.Code, rec.Body)
	}
	if resp := decodeError(t, rec); resp.RoomID != "R1" {
		t.Errorf("error room_id = %q, want R1", resp.RoomID)
	}

	close(model.hold)
	select {
	case rec := <-first:
		if events := readEvents(t, rec.Body.String()); len(events) != 2 || events[1].name != "message" {
			t.Errorf("first send events = %+v", events)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first send never finished")
	}

	msgs, err := database.Messages("R1").Load(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Role != models.RoleAssistant {
		t.Errorf("messages = %+v, want first and its reply only", msgs)
	}
}

func TestGetMessagesDefaultsToContextWindow(t *testing.T) {
	h, _ := newTestServerWindow(t, &replayModel{fragments: []string{"ok"}}, 3)
	saveLocalModel(t, h)

	for _, content := range []string{"one", "two", "three"} {
		do(t, h, http.MethodPost, "/api/rooms/R1/messages", `{"content":"`+content+`","model_id":"local"}`)
	}

	rec := do(t, h, http.MethodGet, "/api/rooms/R1/messages", "")
	var history []models.Message
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 3 || history[0].Role != models.RoleAssistant || history[1].Content != "three" {
		t.Errorf("history = %+v, want the latest three messages", history)
	}

	rec = do(t, h, http.MethodGet, "/api/rooms/R1/messages?limit=0", "")
	history = nil
	if err := json.NewDecoder(rec.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 6 {
		t.Errorf("unlimited history has %d messages, want 6", len(history))
	}
}

func TestSelectionsAndPageReachTheStore(t *testing.T) {
	h, database := newTestServer(t, &replayModel{fragments: []string{"ok"}})
	saveLocalModel(t, h)

	if rec := do(t, h, http.MethodPut, "/api/page", `{"url":"https://example.com","markdown":"# Example"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("PUT /api/page = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/rooms/R1/selections", `{"text":"a quote"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("POST selections = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/rooms/R1/selections", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty selection = %d, want 400", rec.Code)
	}

	do(t, h, http.MethodPost, "/api/rooms/R1/messages", `{"content":"what is this?","model_id":"local"}`)

	msgs, err := database.Messages("R1").Load(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v, want system, user, assistant", msgs)
	}
	if msgs[0].Role != models.RoleSystem || msgs[0].Content != "# Example" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if len(msgs[1].SelectedTexts) != 1 || msgs[1].SelectedTexts[0] != "a quote" {
		t.Errorf("user message = %+v", msgs[1])
	}
}

func TestModelsAndRoomsEndpoints(t *testing.T) {
	h, _ := newTestServer(t, &replayModel{})

	if rec := do(t, h, http.MethodPut, "/api/models", `{"model":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete model = %d, want 400", rec.Code)
	}
	saveLocalModel(t, h)

	rec := do(t, h, http.MethodGet, "/api/models", "")
	body := rec.Body.String()
	if strings.Contains(body, `"apikey"`) {
		t.Errorf("models response exposes the key: %s", body)
	}
	var views []ModelView
	if err := json.Unmarshal([]byte(body), &views); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(views) != 1 || views[0].ID != "local" || !views[0].HasAPIKey {
		t.Errorf("models = %+v", views)
	}

	rec = do(t, h, http.MethodPost, "/api/rooms", `{"name":"Research"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /api/rooms = %d", rec.Code)
	}
	var room models.Room
	if err := json.NewDecoder(rec.Body).Decode(&room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	if room.ID == "" || room.Name != "Research" {
		t.Errorf("room = %+v", room)
	}

	if rec := do(t, h, http.MethodGet, "/api/rooms?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestCORSAdmitsOnlyExtensionOrigins(t *testing.T) {
	h, _ := newTestServer(t, &replayModel{})
	saveLocalModel(t, h)

	rec := doFrom(t, h, "https://evil.example", http.MethodGet, "/api/models", "")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin for a web page = %q, want none", got)
	}

	const extension = "chrome-extension://abcdefghijklmnop"
	rec = doFrom(t, h, extension, http.MethodGet, "/api/models", "")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != extension {
		t.Errorf("Access-Control-Allow-Origin for the extension = %q, want %q", got, extension)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "X-Room-Id" && got != "X-Room-ID" {
		t.Errorf("Access-Control-Expose-Headers = %q, want the room id header", got)
	}
}

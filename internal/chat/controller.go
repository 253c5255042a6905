package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/focus-fox/internal/db"
	"github.com/RichardoC/focus-fox/internal/llm"
	"github.com/RichardoC/focus-fox/internal/models"
	"github.com/RichardoC/focus-fox/internal/page"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNoModelSelected = errors.New("no model selected")
	ErrEmptyInput      = errors.New("empty input")
	ErrSendInProgress  = errors.New("send already in progress")
	ErrAlreadyAnswered = errors.New("latest message is already a reply")
)

const (
	DefaultContextWindow = 32
	roomNameLength       = 40
)

// Completer opens a streamed completion.
type Completer interface {
	Stream(ctx context.Context, cfg models.ModelConfig, turns []llm.Turn) (*llm.Stream, error)
}

// NewUUIDv7 returns a time-ordered identifier, so id order matches creation order.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

type Options struct {
	// ContextWindow is how many recent messages are sent with each request.
	ContextWindow int
	// NewID must return strictly increasing identifiers.
	NewID    func() string
	Now      func() time.Time
	Page     page.Source
	Observer Observer
}

type SendRequest struct {
	RoomID        string // empty starts a new room
	ModelID       string
	Content       string
	SelectedTexts []string
	OnFragment    func(fragment string)
}

type roomState struct {
	state  State
	buffer strings.Builder
}

type Controller struct {
	db        *db.Database
	completer Completer
	logger    *zap.Logger

	window   int
	newID    func() string
	now      func() time.Time
	page     page.Source
	observer Observer
	tracker  *page.Tracker

	mu      sync.Mutex
	active  map[string]*roomState
	pending map[string][]string
	views   map[string][]models.Message
	writes  map[string]uint64
}

func NewController(database *db.Database, completer Completer, logger *zap.Logger, opts Options) *Controller {
	c := &Controller{
		db:        database,
		completer: completer,
		logger:    logger,
		window:    opts.ContextWindow,
		newID:     opts.NewID,
		now:       opts.Now,
		page:      opts.Page,
		observer:  opts.Observer,
		tracker:   page.NewTracker(),
		active:    make(map[string]*roomState),
		pending:   make(map[string][]string),
		views:     make(map[string][]models.Message),
		writes:    make(map[string]uint64),
	}
	if c.window <= 0 {
		c.window = DefaultContextWindow
	}
	if c.newID == nil {
		c.newID = NewUUIDv7
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Send stores the user's message, streams a reply and stores the reply once
// the stream has finished. Only one send per room runs at a time.
func (c *Controller) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyInput
	}
	cfg, err := c.resolveModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}

	roomID := req.RoomID
	if roomID == "" {
		roomID = c.newID()
	}

	return c.run(roomID, cfg, func() (*models.Message, error) {
		userMsg, err := c.storeUserMessage(ctx, roomID, req)
		if err != nil {
			return nil, err
		}
		return c.complete(ctx, roomID, cfg, userMsg.ID, req.OnFragment)
	})
}

type ReplyRequest struct {
	RoomID     string
	ModelID    string
	OnFragment func(fragment string)
}

// Reply streams and stores an answer to a room's existing history without
// adding a user message, e.g. after a send whose completion failed. It refuses
// rooms whose latest message is already an assistant reply.
func (c *Controller) Reply(ctx context.Context, req ReplyRequest) (*models.Message, error) {
	if req.RoomID == "" {
		return nil, fmt.Errorf("%w: no room to reply in", ErrEmptyInput)
	}
	cfg, err := c.resolveModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}

	return c.run(req.RoomID, cfg, func() (*models.Message, error) {
		latest, err := c.db.Messages(req.RoomID).Load(ctx, "", 1)
		if err != nil {
			return nil, fmt.Errorf("load conversation history: %w", err)
		}
		if len(latest) == 0 {
			return nil, fmt.Errorf("%w: room %s has no messages", ErrEmptyInput, req.RoomID)
		}
		if latest[0].Role == models.RoleAssistant {
			return nil, fmt.Errorf("%w: room %s", ErrAlreadyAnswered, req.RoomID)
		}
		return c.complete(ctx, req.RoomID, cfg, latest[0].ID, req.OnFragment)
	})
}

// run holds the room's send lock around fn and reports the outcome.
func (c *Controller) run(roomID string, cfg models.ModelConfig, fn func() (*models.Message, error)) (*models.Message, error) {
	if !c.acquire(roomID) {
		return nil, fmt.Errorf("%w: room %s", ErrSendInProgress, roomID)
	}

	reply, err := fn()
	if err != nil {
		c.logger.Error("Send failed",
			zap.String("roomID", roomID),
			zap.String("modelID", cfg.ID),
			zap.Error(err))
		c.fail(roomID, err)
		c.release(roomID, nil)
		return nil, err
	}

	c.release(roomID, reply)
	return reply, nil
}

// storeUserMessage persists the user's message, preceded by a system message
// carrying the page when the room has not seen that content yet.
func (c *Controller) storeUserMessage(ctx context.Context, roomID string, req SendRequest) (*models.Message, error) {
	now := c.now()

	var batch []models.Message
	pageContent, inject := c.pageContext(ctx, roomID)
	if inject {
		batch = append(batch, models.Message{
			ID:        c.newID(),
			RoomID:    roomID,
			Role:      models.RoleSystem,
			Content:   pageContent,
			Timestamp: now.UnixMilli(),
		})
	}

	pending := c.pendingSelections(roomID)
	userMsg := models.Message{
		ID:            c.newID(),
		RoomID:        roomID,
		Role:          models.RoleUser,
		Content:       req.Content,
		Timestamp:     now.UnixMilli(),
		SelectedTexts: append(slices.Clone(req.SelectedTexts), pending...),
	}
	if len(userMsg.SelectedTexts) == 0 {
		userMsg.SelectedTexts = nil
	}
	batch = append(batch, userMsg)

	if err := c.db.Messages(roomID).Store(ctx, batch); err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}
	c.consumeSelections(roomID, len(pending))
	if inject {
		c.tracker.Mark(roomID, pageContent)
	}
	c.invalidate(roomID)

	if err := c.touchRoom(ctx, roomID, req.Content, now); err != nil {
		return nil, err
	}
	return &userMsg, nil
}

// complete streams a reply to the window of messages ending at lastID and
// stores it once the stream is done. Partial replies are never stored.
func (c *Controller) complete(ctx context.Context, roomID string, cfg models.ModelConfig, lastID string, onFragment func(string)) (*models.Message, error) {
	messages := c.db.Messages(roomID)

	history, err := messages.Load(ctx, lastID, c.window)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}
	turns := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, llm.Turn{Role: m.Role, Content: m.Content})
	}

	c.transition(roomID, Streaming)
	stream, err := c.completer.Stream(ctx, cfg, turns)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for {
		fragment, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		buffer := c.appendFragment(roomID, fragment)
		if onFragment != nil {
			onFragment(fragment)
		}
		c.emit(Event{RoomID: roomID, State: Streaming, Fragment: fragment, Buffer: buffer})
	}

	c.transition(roomID, Persisting)
	reply := models.Message{
		ID:        c.newID(),
		RoomID:    roomID,
		Role:      models.RoleAssistant,
		Content:   c.Buffer(roomID),
		Timestamp: c.now().UnixMilli(),
	}
	if err := messages.Store(ctx, []models.Message{reply}); err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}
	c.invalidate(roomID)

	nameHint := ""
	for _, m := range history {
		if m.Role == models.RoleUser {
			nameHint = m.Content
			break
		}
	}
	if err := c.touchRoom(ctx, roomID, nameHint, c.now()); err != nil {
		// the reply is already durable; a stale UpdatedAt is not worth failing for
		c.logger.Warn("Failed to update room", zap.String("roomID", roomID), zap.Error(err))
	}

	c.logger.Debug("Stored assistant reply",
		zap.String("roomID", roomID),
		zap.String("messageID", reply.ID),
		zap.Int("length", len(reply.Content)))
	return &reply, nil
}

func (c *Controller) resolveModel(ctx context.Context, modelID string) (models.ModelConfig, error) {
	if modelID == "" {
		return models.ModelConfig{}, ErrNoModelSelected
	}
	found, err := c.db.ModelConfigs().Load(ctx, modelID, 1)
	if err != nil {
		return models.ModelConfig{}, fmt.Errorf("load model %s: %w", modelID, err)
	}
	if len(found) == 0 || found[0].ID != modelID {
		return models.ModelConfig{}, fmt.Errorf("%w: unknown model %s", ErrNoModelSelected, modelID)
	}
	return found[0], nil
}

// pageContext returns page content that the room has not been given yet.
// A failing page source never blocks a send.
func (c *Controller) pageContext(ctx context.Context, roomID string) (string, bool) {
	if c.page == nil {
		return "", false
	}
	content, ok, err := c.page.PageContent(ctx)
	if err != nil {
		c.logger.Warn("Failed to read page content", zap.String("roomID", roomID), zap.Error(err))
		return "", false
	}
	if !ok {
		c.tracker.Reset(roomID)
		return "", false
	}
	if !c.tracker.Changed(roomID, content) {
		return "", false
	}
	return content, true
}

// touchRoom creates the room on its first message, named after nameHint, and
// bumps UpdatedAt after that.
func (c *Controller) touchRoom(ctx context.Context, roomID, nameHint string, now time.Time) error {
	rooms := c.db.Rooms()
	stamp := toMilli(now)

	found, err := rooms.Load(ctx, roomID, 1)
	if err != nil {
		return fmt.Errorf("load room %s: %w", roomID, err)
	}
	room := models.Room{ID: roomID, Name: roomName(nameHint), CreatedAt: stamp}
	if len(found) == 1 && found[0].ID == roomID {
		room = found[0]
	}
	room.UpdatedAt = stamp

	if err := rooms.Store(ctx, []models.Room{room}); err != nil {
		return fmt.Errorf("store room %s: %w", roomID, err)
	}
	return nil
}

// toMilli drops precision the store does not keep.
func toMilli(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

func roomName(content string) string {
	name := strings.Join(strings.Fields(content), " ")
	if r := []rune(name); len(r) > roomNameLength {
		name = string(r[:roomNameLength]) + "…"
	}
	return name
}

func (c *Controller) acquire(roomID string) bool {
	c.mu.Lock()
	if _, busy := c.active[roomID]; busy {
		c.mu.Unlock()
		return false
	}
	c.active[roomID] = &roomState{state: Sending}
	c.mu.Unlock()

	c.emit(Event{RoomID: roomID, State: Sending})
	return true
}

func (c *Controller) release(roomID string, reply *models.Message) {
	c.mu.Lock()
	delete(c.active, roomID)
	c.mu.Unlock()

	c.emit(Event{RoomID: roomID, State: Idle, Message: reply})
}

func (c *Controller) transition(roomID string, state State) {
	c.mu.Lock()
	if rs, ok := c.active[roomID]; ok {
		rs.state = state
	}
	c.mu.Unlock()

	c.emit(Event{RoomID: roomID, State: state})
}

func (c *Controller) fail(roomID string, err error) {
	c.mu.Lock()
	if rs, ok := c.active[roomID]; ok {
		rs.state = Failed
	}
	c.mu.Unlock()

	c.emit(Event{RoomID: roomID, State: Failed, Err: err})
}

func (c *Controller) appendFragment(roomID, fragment string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.active[roomID]
	if !ok {
		return ""
	}
	rs.buffer.WriteString(fragment)
	return rs.buffer.String()
}

func (c *Controller) emit(e Event) {
	if c.observer != nil {
		c.observer(e)
	}
}

// NewRoomID returns an id for a room that does not exist yet. Passing it as
// SendRequest.RoomID lets the caller know the room before the send starts.
func (c *Controller) NewRoomID() string {
	return c.newID()
}

// Window is the number of recent messages sent with each request.
func (c *Controller) Window() int {
	return c.window
}

// State reports the send pipeline state of a room.
func (c *Controller) State(roomID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, ok := c.active[roomID]; ok {
		return rs.state
	}
	return Idle
}

// Buffer returns the reply streamed so far for a room. It is empty when no
// send is in progress.
func (c *Controller) Buffer(roomID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs, ok := c.active[roomID]; ok {
		return rs.buffer.String()
	}
	return ""
}

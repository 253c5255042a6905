package chat

import (
	"context"
	"fmt"
	"slices"

	"github.com/RichardoC/focus-fox/internal/models"
)

// AddSelection queues text the user selected on the page. Queued selections
// are attached to the next message sent in the room.
func (c *Controller) AddSelection(roomID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[roomID] = append(c.pending[roomID], text)
}

func (c *Controller) PendingSelections(roomID string) []string {
	return c.pendingSelections(roomID)
}

func (c *Controller) pendingSelections(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.pending[roomID])
}

// consumeSelections drops the first n queued selections; later ones arrived
// while the message was being stored and wait for the next send.
func (c *Controller) consumeSelections(roomID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rest := c.pending[roomID][n:]
	if len(rest) == 0 {
		delete(c.pending, roomID)
		return
	}
	c.pending[roomID] = slices.Clone(rest)
}

func (c *Controller) invalidate(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, roomID)
	c.writes[roomID]++
}

// History pages through a room's messages in ascending order. Requests for
// the most recent window are served from a per-room cache that every write by
// the controller invalidates.
func (c *Controller) History(ctx context.Context, roomID, before string, limit int) ([]models.Message, error) {
	if before != "" || limit <= 0 || limit > c.window {
		msgs, err := c.db.Messages(roomID).Load(ctx, before, limit)
		if err != nil {
			return nil, fmt.Errorf("load messages for room %s: %w", roomID, err)
		}
		return msgs, nil
	}

	c.mu.Lock()
	view, ok := c.views[roomID]
	seen := c.writes[roomID]
	c.mu.Unlock()

	if !ok {
		var err error
		view, err = c.db.Messages(roomID).Load(ctx, "", c.window)
		if err != nil {
			return nil, fmt.Errorf("load messages for room %s: %w", roomID, err)
		}
		c.mu.Lock()
		// a write that landed during the load makes this view stale
		if c.writes[roomID] == seen {
			c.views[roomID] = view
		}
		c.mu.Unlock()
	}

	if len(view) > limit {
		view = view[len(view)-limit:]
	}
	return slices.Clone(view), nil
}

func (c *Controller) Rooms(ctx context.Context, before string, limit int) ([]models.Room, error) {
	rooms, err := c.db.Rooms().Load(ctx, before, limit)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	return rooms, nil
}

// CreateRoom starts an empty conversation.
func (c *Controller) CreateRoom(ctx context.Context, name string) (*models.Room, error) {
	stamp := toMilli(c.now())
	room := models.Room{
		ID:        c.newID(),
		Name:      name,
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}

	if err := c.db.Rooms().Store(ctx, []models.Room{room}); err != nil {
		return nil, fmt.Errorf("store room: %w", err)
	}
	return &room, nil
}

func (c *Controller) Models(ctx context.Context) ([]models.ModelConfig, error) {
	cfgs, err := c.db.ModelConfigs().Load(ctx, "", 0)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}
	return cfgs, nil
}

// SaveModel upserts a model configuration, assigning an id when it has none.
func (c *Controller) SaveModel(ctx context.Context, cfg models.ModelConfig) (*models.ModelConfig, error) {
	if cfg.ID == "" {
		cfg.ID = c.newID()
	}
	if err := c.db.ModelConfigs().Store(ctx, []models.ModelConfig{cfg}); err != nil {
		return nil, fmt.Errorf("store model %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}

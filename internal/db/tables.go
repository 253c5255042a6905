package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/RichardoC/focus-fox/internal/models"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS rooms (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);`

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    selected_texts TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS messages_room_id_id ON messages (room_id, id);`

const modelConfigsSchema = `
CREATE TABLE IF NOT EXISTS model_configs (
    id TEXT PRIMARY KEY,
    api_key TEXT NOT NULL,
    model TEXT NOT NULL,
    base_url TEXT NOT NULL
);`

var roomsTable = table[models.Room]{
	name:    "rooms",
	ddl:     roomsSchema,
	columns: []string{"id", "name", "created_at", "updated_at"},
	upsert: `
        INSERT INTO rooms (id, name, created_at, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            created_at = excluded.created_at,
            updated_at = excluded.updated_at`,
	id: func(r models.Room) string { return r.ID },
	args: func(r models.Room) ([]any, error) {
		return []any{r.ID, r.Name, r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli()}, nil
	},
	scan: func(s scanner) (models.Room, error) {
		var (
			room             models.Room
			created, updated int64
		)
		if err := s.Scan(&room.ID, &room.Name, &created, &updated); err != nil {
			return models.Room{}, err
		}
		room.CreatedAt = time.UnixMilli(created)
		room.UpdatedAt = time.UnixMilli(updated)
		return room, nil
	},
}

// The WHERE guard keeps room_id immutable: re-storing a message id under a
// different room updates nothing and is reported as a constraint violation.
var messagesTable = table[models.Message]{
	name:    "messages",
	ddl:     messagesSchema,
	columns: []string{"id", "room_id", "role", "content", "timestamp", "selected_texts"},
	upsert: `
        INSERT INTO messages (id, room_id, role, content, timestamp, selected_texts)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            role = excluded.role,
            content = excluded.content,
            timestamp = excluded.timestamp,
            selected_texts = excluded.selected_texts
        WHERE messages.room_id = excluded.room_id`,
	partitionColumn: "room_id",
	partitionOf:     func(m models.Message) string { return m.RoomID },
	id:              func(m models.Message) string { return m.ID },
	args: func(m models.Message) ([]any, error) {
		var selected sql.NullString
		if len(m.SelectedTexts) > 0 {
			b, err := json.Marshal(m.SelectedTexts)
			if err != nil {
				return nil, err
			}
			selected = sql.NullString{String: string(b), Valid: true}
		}
		return []any{m.ID, m.RoomID, string(m.Role), m.Content, m.Timestamp, selected}, nil
	},
	scan: func(s scanner) (models.Message, error) {
		var (
			msg      models.Message
			role     string
			selected sql.NullString
		)
		if err := s.Scan(&msg.ID, &msg.RoomID, &role, &msg.Content, &msg.Timestamp, &selected); err != nil {
			return models.Message{}, err
		}
		msg.Role = models.Role(role)
		if selected.Valid {
			if err := json.Unmarshal([]byte(selected.String), &msg.SelectedTexts); err != nil {
				return models.Message{}, err
			}
		}
		return msg, nil
	},
}

var modelConfigsTable = table[models.ModelConfig]{
	name:    "model_configs",
	ddl:     modelConfigsSchema,
	columns: []string{"id", "api_key", "model", "base_url"},
	upsert: `
        INSERT INTO model_configs (id, api_key, model, base_url)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            api_key = excluded.api_key,
            model = excluded.model,
            base_url = excluded.base_url`,
	id: func(m models.ModelConfig) string { return m.ID },
	args: func(m models.ModelConfig) ([]any, error) {
		return []any{m.ID, m.APIKey, m.Model, m.BaseURL}, nil
	},
	scan: func(s scanner) (models.ModelConfig, error) {
		var m models.ModelConfig
		err := s.Scan(&m.ID, &m.APIKey, &m.Model, &m.BaseURL)
		return m, err
	},
}

func (db *Database) Rooms() *Collection[models.Room] {
	return &Collection[models.Room]{db: db, table: roomsTable}
}

// Messages returns the message collection bound to one room.
func (db *Database) Messages(roomID string) *Collection[models.Message] {
	return &Collection[models.Message]{db: db, table: messagesTable, partition: roomID}
}

func (db *Database) ModelConfigs() *Collection[models.ModelConfig] {
	return &Collection[models.ModelConfig]{db: db, table: modelConfigsTable}
}

package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID            string   `json:"id"`
	RoomID        string   `json:"room_id"`
	Role          Role     `json:"role"`
	Content       string   `json:"content"`
	Timestamp     int64    `json:"timestamp"` // unix milliseconds
	SelectedTexts []string `json:"selected_texts,omitempty"`
}

// ModelConfig points at an OpenAI-compatible chat completion endpoint.
type ModelConfig struct {
	ID      string `json:"id"`
	APIKey  string `json:"apikey"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
}

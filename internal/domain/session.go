package domain

import (
	"encoding/json"
	"time"
)

// Credentials is the login form body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionPayload is the body returned by both login and refresh.
type SessionPayload struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type,omitempty"`
	ExpiresIn    *int64   `json:"expires_in,omitempty"`
	User         *Profile `json:"user"`
}

// ExpiresAt resolves the absolute expiry from ExpiresIn relative to now.
// A zero time means the server did not say.
func (p *SessionPayload) ExpiresAt(now time.Time) time.Time {
	if p == nil || p.ExpiresIn == nil || *p.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(*p.ExpiresIn) * time.Second)
}

// ClientState is one persisted key of the sql state backend.
type ClientState struct {
	Key       string     `gorm:"column:state_key;primaryKey;size:128" json:"key"`
	Value     string     `gorm:"type:text;not null" json:"value"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (ClientState) TableName() string { return "client_state" }

// UnwrapData returns the "data" member of an enveloped body, or the body itself.
func UnwrapData(body []byte) json.RawMessage {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return env.Data
	}
	return body
}

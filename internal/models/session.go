package models

import (
	"time"

	"github.com/google/uuid"
)

// Session ties a bearer token to one (account, device) pair for both the
// HTTP sync endpoints and the realtime channel handshake.
type Session struct {
	ID        string    `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	DeviceID  uuid.UUID `json:"device_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

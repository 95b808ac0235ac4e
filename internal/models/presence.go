package models

import (
	"time"

	"github.com/google/uuid"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
	StatusAway    PresenceStatus = "away"
)

// Presence is a device's last reported connectivity state. Last write wins;
// no history is kept.
type Presence struct {
	AccountID uuid.UUID      `json:"account_id"`
	DeviceID  uuid.UUID      `json:"device_id"`
	Status    PresenceStatus `json:"status"`
	Location  string         `json:"location,omitempty"`
	LastSeen  time.Time      `json:"last_seen"`
}

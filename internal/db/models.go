package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repository lookups that match no row.
var ErrNotFound = errors.New("not found")

// AnnouncementType classifies an announcement; recipients opt in per type.
type AnnouncementType string

const (
	TypeInfo     AnnouncementType = "info"
	TypeSuccess  AnnouncementType = "success"
	TypeWarning  AnnouncementType = "warning"
	TypeCritical AnnouncementType = "critical"
)

// IsValid reports whether t is one of the known announcement types.
func (t AnnouncementType) IsValid() bool {
	switch t {
	case TypeInfo, TypeSuccess, TypeWarning, TypeCritical:
		return true
	default:
		return false
	}
}

// Announcement is a single message broadcast to a recipient set.
// Content is immutable once dispatch begins; only DeliveredCount and
// UpdatedAt are written by the delivery engine.
type Announcement struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	Content        string           `json:"content"`
	Type           AnnouncementType `json:"type"`
	ImageURL       *string          `json:"image_url,omitempty"`
	ActionLabel    *string          `json:"action_label,omitempty"`
	ActionURL      *string          `json:"action_url,omitempty"`
	DeliveredCount int              `json:"delivered_count"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Preferences holds a user's notification settings, keyed 1:1 by UserID.
type Preferences struct {
	UserID string `json:"user_id"`

	EmailNotifications bool `json:"email_notifications"`
	PushNotifications  bool `json:"push_notifications"`
	InAppNotifications bool `json:"in_app_notifications"`
	SMSNotifications   bool `json:"sms_notifications"`

	ReceiveInfo     bool `json:"receive_info"`
	ReceiveSuccess  bool `json:"receive_success"`
	ReceiveWarning  bool `json:"receive_warning"`
	ReceiveCritical bool `json:"receive_critical"`

	QuietHoursEnabled bool   `json:"quiet_hours_enabled"`
	QuietHoursStart   string `json:"quiet_hours_start"` // HH:MM, 24h
	QuietHoursEnd     string `json:"quiet_hours_end"`   // HH:MM, 24h
	Timezone          string `json:"timezone"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Device types accepted at registration.
const (
	DeviceAndroid = "android"
	DeviceIOS     = "ios"
	DeviceWeb     = "web"
	DeviceUnknown = "unknown"
)

// DeviceToken is a push target owned by a user. Tokens are unique by value
// and are only ever soft-invalidated (IsActive=false).
type DeviceToken struct {
	ID         uuid.UUID       `json:"id"`
	Token      string          `json:"-"`
	UserID     string          `json:"user_id"`
	DeviceType string          `json:"device_type"`
	IsActive   bool            `json:"is_active"`
	LastUsed   time.Time       `json:"last_used"`
	DeviceInfo json.RawMessage `json:"device_info,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// DeliveryStatus is the state of one (announcement, user) delivery.
//
// State transitions:
//
//	pending -> sent       dispatch succeeded
//	pending -> failed     dispatch raised
//	sent    -> delivered  channel-level ack
//	any     -> read       external UI action
//
// failed and read are terminal.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
	StatusRead      DeliveryStatus = "read"
)

// IsValid reports whether s is a known delivery status.
func (s DeliveryStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusRead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed from s.
func (s DeliveryStatus) IsTerminal() bool {
	return s == StatusFailed || s == StatusRead
}

// CanTransition reports whether moving from one status to another follows
// the delivery state machine. Re-writing the same status is allowed.
func CanTransition(from, to DeliveryStatus) bool {
	if !to.IsValid() {
		return false
	}
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusRead {
		return true
	}
	switch from {
	case "", StatusPending:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered
	default:
		return false
	}
}

// DeliveryRecord (user notification) tracks one announcement for one user.
// It doubles as the user's in-app inbox entry.
type DeliveryRecord struct {
	AnnouncementID string         `json:"announcement_id"`
	UserID         string         `json:"user_id"`
	Status         DeliveryStatus `json:"status"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	SentAt         *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	FailedAt       *time.Time     `json:"failed_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Recipient is a user record handed to the dispatch engine by the caller.
type Recipient struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

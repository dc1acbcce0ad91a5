package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationNewBooking       NotificationType = "new_booking"
	NotificationPendingBooking   NotificationType = "pending_booking"
	NotificationCancelledBooking NotificationType = "cancelled_booking"
)

type Notification struct {
	ID        uuid.UUID        `json:"id"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	RefID     uuid.UUID        `json:"ref_id"`
	CreatedAt time.Time        `json:"created_at"`
	IsRead    bool             `json:"is_read"`
}

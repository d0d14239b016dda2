package outreach

import (
	"time"
)

// Status tracks the lifecycle of a single outbound message.
type Status string

// StatusPending Message is scheduled and waiting for dispatch.
const StatusPending Status = "pending"

// StatusSent Message has been handed to the transport successfully.
const StatusSent Status = "sent"

// StatusFailed Transport rejected the message; terminal.
const StatusFailed Status = "failed"

// StatusPaused Message is withheld by an administrative caller; dispatch skips it.
const StatusPaused Status = "paused"

// StatusResponded A reply was reconciled against the message; terminal.
const StatusResponded Status = "responded"

// StatusDelivered is reserved for a future delivery-receipt integration.
// No transition produces or consumes it.
const StatusDelivered Status = "delivered"

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusPaused, StatusResponded, StatusDelivered:
		return true
	}
	return false
}

// Terminal reports whether the core will never move the message again.
// A sent message can still flip to responded, so it is not terminal.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusResponded
}

var transitions = map[Status][]Status{
	StatusPending: {StatusSent, StatusFailed, StatusPaused},
	StatusPaused:  {StatusPending},
	StatusSent:    {StatusResponded},
}

// CanTransition reports whether from -> to is a legal edge in the message
// state machine. Anything not listed, including every edge touching
// StatusDelivered, is illegal.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Notification is the payload broadcast on every new responded transition.
// Delivery is best effort and not required for correctness.
type Notification struct {
	MessageID      string    `json:"message_id"`
	RecipientEmail string    `json:"recipient_email"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	ReceivedAt     time.Time `json:"received_at"`
}

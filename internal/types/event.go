package types

import "time"

// EventType names a lifecycle transition published to subscribers
type EventType string

const (
	EventRoomStarted           EventType = "room.started"
	EventInquiryQueued         EventType = "inquiry.queued"
	EventInquiryTaken          EventType = "inquiry.taken"
	EventRoomClosed            EventType = "room.closed"
	EventRoomUnarchived        EventType = "room.unarchived"
	EventRoomTransferred       EventType = "room.transferred"
	EventVerificationSucceeded EventType = "verification.succeeded"
	EventVerificationFailed    EventType = "verification.failed"
	EventRoomMessage           EventType = "room.message" // system message to the visitor
)

// Event is a lifecycle notification
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	RoomID     string         `json:"roomId,omitempty"`
	InquiryID  string         `json:"inquiryId,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	Department string         `json:"department,omitempty"`
	Time       time.Time      `json:"time"`
	Data       map[string]any `json:"data,omitempty"`
}

package types

import "time"

// InquiryStatus is the queue state of an inquiry
type InquiryStatus string

const (
	InquiryQueued InquiryStatus = "queued"
	InquiryReady  InquiryStatus = "ready"
	InquiryTaken  InquiryStatus = "taken"
)

// Inquiry is the unit of queueable work, one per open room
type Inquiry struct {
	ID           string         `json:"id" dynamodbav:"ID"`
	RoomID       string         `json:"roomId" dynamodbav:"RoomID"`
	Visitor      VisitorRef     `json:"visitor" dynamodbav:"Visitor"`
	Department   string         `json:"department,omitempty" dynamodbav:"Department"`
	Status       InquiryStatus  `json:"status" dynamodbav:"Status"`
	Source       RoomSource     `json:"source" dynamodbav:"Source"`
	Priority     int            `json:"priority" dynamodbav:"Priority"` // lower sorts first
	CreatedAt    time.Time      `json:"createdAt" dynamodbav:"CreatedAt"`
	QueuedAt     *time.Time     `json:"queuedAt,omitempty" dynamodbav:"QueuedAt"`
	TakenAt      *time.Time     `json:"takenAt,omitempty" dynamodbav:"TakenAt"`
	Agent        *SelectedAgent `json:"agent,omitempty" dynamodbav:"Agent"`
	DefaultAgent *SelectedAgent `json:"defaultAgent,omitempty" dynamodbav:"DefaultAgent"`
}

// WaitTime returns how long the inquiry has been waiting as of now
func (i *Inquiry) WaitTime(now time.Time) time.Duration {
	if i.TakenAt != nil {
		return i.TakenAt.Sub(i.CreatedAt)
	}
	return now.Sub(i.CreatedAt)
}

package types

import "time"

// Visitor is the external party behind a conversation
type Visitor struct {
	Token      string   `json:"token" dynamodbav:"Token"`
	Name       string   `json:"name,omitempty" dynamodbav:"Name"`
	Username   string   `json:"username,omitempty" dynamodbav:"Username"`
	Department string   `json:"department,omitempty" dynamodbav:"Department"`
	Emails     []string `json:"emails,omitempty" dynamodbav:"Emails"`
	Phone      string   `json:"phone,omitempty" dynamodbav:"Phone"`
}

// PrimaryEmail returns the first known email address, if any
func (v Visitor) PrimaryEmail() string {
	if len(v.Emails) == 0 {
		return ""
	}
	return v.Emails[0]
}

// Ref returns the reference stored on rooms and inquiries
func (v Visitor) Ref() VisitorRef {
	return VisitorRef{Token: v.Token, Name: v.Name, Username: v.Username}
}

// VisitorRef is the denormalized visitor stored on rooms and inquiries
type VisitorRef struct {
	Token    string `json:"token" dynamodbav:"Token"`
	Name     string `json:"name,omitempty" dynamodbav:"Name"`
	Username string `json:"username,omitempty" dynamodbav:"Username"`
}

// Message is the first visitor message that opens a room
type Message struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
	Token  string `json:"token"`
	Text   string `json:"text"`
}

// RoomSource describes the channel a room came from
type RoomSource struct {
	Type  string `json:"type" dynamodbav:"Type"` // widget, email, sms, api, app
	ID    string `json:"id,omitempty" dynamodbav:"ID"`
	Alias string `json:"alias,omitempty" dynamodbav:"Alias"`
}

// RoomInfo carries channel metadata supplied when a room is requested
type RoomInfo struct {
	Name                string     `json:"name,omitempty"`
	Source              RoomSource `json:"source"`
	RequireVerification bool       `json:"requireVerification,omitempty"`
}

// Room is the conversation container
type Room struct {
	ID           string            `json:"id" dynamodbav:"ID"`
	Name         string            `json:"name" dynamodbav:"Name"`
	Visitor      VisitorRef        `json:"visitor" dynamodbav:"Visitor"`
	Department   string            `json:"department,omitempty" dynamodbav:"Department"`
	ServedBy     *SelectedAgent    `json:"servedBy,omitempty" dynamodbav:"ServedBy"`
	Open         bool              `json:"open" dynamodbav:"Open"`
	Source       RoomSource        `json:"source" dynamodbav:"Source"`
	CreatedAt    time.Time         `json:"createdAt" dynamodbav:"CreatedAt"`
	ClosedAt     *time.Time        `json:"closedAt,omitempty" dynamodbav:"ClosedAt"`
	ClosedBy     string            `json:"closedBy,omitempty" dynamodbav:"ClosedBy"`
	Verification Verification      `json:"verification" dynamodbav:"Verification"`
	Extra        map[string]string `json:"extra,omitempty" dynamodbav:"Extra"`
}

// AwaitingVerification reports whether routing is gated on visitor verification
func (r *Room) AwaitingVerification() bool {
	return r.Verification.Required && r.Verification.Status != VerificationSucceeded
}

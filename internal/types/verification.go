package types

import "time"

// VerificationStatus is the state of the visitor identity check
type VerificationStatus string

const (
	VerificationUnverified        VerificationStatus = "unverified"
	VerificationListeningForEmail VerificationStatus = "listening-for-email"
	VerificationListeningForOTP   VerificationStatus = "listening-for-otp"
	VerificationSucceeded         VerificationStatus = "verified-true"
	VerificationFailed            VerificationStatus = "verified-false"
)

// Terminal reports whether no further transition is possible
func (s VerificationStatus) Terminal() bool {
	return s == VerificationSucceeded || s == VerificationFailed
}

// Verification is the verification session embedded in a room
type Verification struct {
	Required      bool               `json:"required" dynamodbav:"Required"`
	Status        VerificationStatus `json:"status" dynamodbav:"Status"`
	WrongAttempts int                `json:"wrongAttempts" dynamodbav:"WrongAttempts"`
}

// VerificationCode is an issued one-time code, stored hashed
type VerificationCode struct {
	RoomID    string    `json:"roomId" dynamodbav:"RoomID"`
	ID        string    `json:"id" dynamodbav:"ID"`
	Hash      string    `json:"-" dynamodbav:"Hash"`
	ExpiresAt time.Time `json:"expiresAt" dynamodbav:"ExpiresAt"`
}

// Expired reports whether the code is no longer valid at now
func (c VerificationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
)

var (
	ErrRoomNotFound       = errors.New("room-not-found")
	ErrInquiryNotFound    = errors.New("inquiry-not-found")
	ErrVisitorNotFound    = errors.New("visitor-not-found")
	ErrDepartmentNotFound = errors.New("department-not-found")

	// ErrConflict is returned when a conditional update finds the record in an unexpected state
	ErrConflict = errors.New("conditional update failed")
)

// RoomStore persists rooms. Every state dependent write is conditional.
type RoomStore interface {
	CreateRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, id string) (*types.Room, error)
	FindOpenRoomByVisitor(ctx context.Context, token string) (*types.Room, error)
	FindOpenRoomsByDepartment(ctx context.Context, department string) ([]types.Room, error)

	// SetServedBy assigns an agent to an open room that nobody serves yet.
	SetServedBy(ctx context.Context, roomID string, agent types.SelectedAgent) (*types.Room, error)
	// ChangeServedBy moves an open room from one agent to another.
	ChangeServedBy(ctx context.Context, roomID, fromAgentID string, to types.SelectedAgent) (*types.Room, error)
	CloseRoom(ctx context.Context, roomID, closedBy string, at time.Time) (*types.Room, error)
	// ReopenRoom clears ClosedAt and ServedBy on a closed room.
	ReopenRoom(ctx context.Context, roomID string) (*types.Room, error)

	SetVerificationStatus(ctx context.Context, roomID string, status types.VerificationStatus) error
	IncrementWrongAttempts(ctx context.Context, roomID string) (int, error)
	ResetWrongAttempts(ctx context.Context, roomID string) error
}

// InquiryFilter selects inquiries for queue views
type InquiryFilter struct {
	Status     types.InquiryStatus
	Department string // empty matches every department
	Limit      int    // 0 = no limit
}

// InquiryStore persists inquiries
type InquiryStore interface {
	CreateInquiry(ctx context.Context, inquiry *types.Inquiry) error
	GetInquiry(ctx context.Context, id string) (*types.Inquiry, error)
	FindInquiryByRoom(ctx context.Context, roomID string) (*types.Inquiry, error)
	// ListInquiries returns matches ordered by priority, then creation time.
	ListInquiries(ctx context.Context, filter InquiryFilter) ([]types.Inquiry, error)

	// TakeInquiry moves a ready inquiry to taken.
	TakeInquiry(ctx context.Context, id string, agent types.SelectedAgent, at time.Time) (*types.Inquiry, error)
	// ReleaseInquiry moves an inquiry taken by agentID back to ready.
	ReleaseInquiry(ctx context.Context, id, agentID string) error
	// MarkInquiryReady moves a queued inquiry to ready.
	MarkInquiryReady(ctx context.Context, id string) error
	// MarkInquiryQueued moves an inquiry that is not taken back to queued.
	MarkInquiryQueued(ctx context.Context, id string, at time.Time) error
	DeleteInquiryByRoom(ctx context.Context, roomID string) error
}

// VisitorStore persists visitor identities
type VisitorStore interface {
	GetVisitor(ctx context.Context, token string) (*types.Visitor, error)
	SaveVisitor(ctx context.Context, visitor *types.Visitor) error
	AddVisitorEmail(ctx context.Context, token, email string) error
	FindVisitorByEmail(ctx context.Context, email string) (*types.Visitor, error)
}

// VerificationCodeStore persists hashed one-time codes
type VerificationCodeStore interface {
	AddCode(ctx context.Context, code types.VerificationCode) error
	ListCodes(ctx context.Context, roomID string) ([]types.VerificationCode, error)
	DeleteExpiredCodes(ctx context.Context, roomID string, now time.Time) (int, error)
	DeleteCodes(ctx context.Context, roomID string) error
}

// ContactStore tracks monthly active contacts for the capacity limiter
type ContactStore interface {
	MarkContactActive(ctx context.Context, period, visitorToken string) error
	IsContactActive(ctx context.Context, period, visitorToken string) (bool, error)
	CountActiveContacts(ctx context.Context, period string) (int, error)
}

// Store is the full persistence surface used by the server
type Store interface {
	RoomStore
	InquiryStore
	VisitorStore
	VerificationCodeStore
	ContactStore
	Close() error
}

// NewStore creates the appropriate store based on the configured mode
func NewStore(ctx context.Context, mode, sqlitePath string, logger zerolog.Logger) (Store, error) {
	switch mode {
	case "dynamodb":
		return NewDynamoDBStore(ctx, LoadDynamoConfig(), logger)
	case "sqlite":
		return NewSQLiteStore(ctx, sqlitePath, logger)
	case "memory", "":
		logger.Info().Msg("using in-memory store")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store mode %q", mode)
	}
}

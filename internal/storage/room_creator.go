package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
)

// NewRoom describes a room to be opened for a visitor
type NewRoom struct {
	Visitor    types.Visitor
	Message    types.Message
	Info       types.RoomInfo
	Department string
	Extra      map[string]string
}

// RoomCreator creates the conversation container for a new contact
type RoomCreator interface {
	CreateRoom(ctx context.Context, req NewRoom) (*types.Room, error)
}

// StoreRoomCreator creates rooms directly in the store and keeps the visitor record current
type StoreRoomCreator struct {
	rooms    RoomStore
	visitors VisitorStore
	now      func() time.Time
}

// NewStoreRoomCreator creates a new StoreRoomCreator
func NewStoreRoomCreator(rooms RoomStore, visitors VisitorStore) *StoreRoomCreator {
	return &StoreRoomCreator{rooms: rooms, visitors: visitors, now: time.Now}
}

func (c *StoreRoomCreator) CreateRoom(ctx context.Context, req NewRoom) (*types.Room, error) {
	if err := c.upsertVisitor(ctx, req.Visitor); err != nil {
		return nil, err
	}

	name := req.Info.Name
	if name == "" {
		name = req.Visitor.Name
	}
	if name == "" {
		name = req.Visitor.Username
	}

	room := &types.Room{
		ID:         req.Message.RoomID,
		Name:       name,
		Visitor:    req.Visitor.Ref(),
		Department: req.Department,
		Open:       true,
		Source:     req.Info.Source,
		CreatedAt:  c.now().UTC(),
		Verification: types.Verification{
			Required: req.Info.RequireVerification,
			Status:   types.VerificationUnverified,
		},
		Extra: req.Extra,
	}

	if err := c.rooms.CreateRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("failed to create room %s: %w", room.ID, err)
	}
	return room, nil
}

// upsertVisitor stores the visitor, keeping emails already on record
func (c *StoreRoomCreator) upsertVisitor(ctx context.Context, visitor types.Visitor) error {
	existing, err := c.visitors.GetVisitor(ctx, visitor.Token)
	if err != nil && !errors.Is(err, ErrVisitorNotFound) {
		return fmt.Errorf("failed to load visitor: %w", err)
	}
	if existing != nil {
		for _, email := range visitor.Emails {
			existing.Emails = appendEmail(existing.Emails, email)
		}
		visitor.Emails = existing.Emails
	}
	if err := c.visitors.SaveVisitor(ctx, &visitor); err != nil {
		return fmt.Errorf("failed to save visitor: %w", err)
	}
	return nil
}

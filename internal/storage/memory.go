package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
)

// MemoryStore implements Store in process memory. It backs development
// setups and tests; a single mutex makes each conditional write atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	rooms     map[string]*types.Room
	inquiries map[string]*types.Inquiry
	byRoom    map[string]string // roomID -> inquiryID
	visitors  map[string]*types.Visitor
	codes     map[string][]types.VerificationCode
	contacts  map[string]map[string]struct{} // period -> visitor tokens
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:     make(map[string]*types.Room),
		inquiries: make(map[string]*types.Inquiry),
		byRoom:    make(map[string]string),
		visitors:  make(map[string]*types.Visitor),
		codes:     make(map[string][]types.VerificationCode),
		contacts:  make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateRoom(_ context.Context, room *types.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.ID]; exists {
		return ErrConflict
	}
	s.rooms[room.ID] = cloneRoom(room)
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id string) (*types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (s *MemoryStore) FindOpenRoomByVisitor(_ context.Context, token string) (*types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, room := range s.rooms {
		if room.Open && room.Visitor.Token == token {
			return cloneRoom(room), nil
		}
	}
	return nil, ErrRoomNotFound
}

func (s *MemoryStore) FindOpenRoomsByDepartment(_ context.Context, department string) ([]types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rooms []types.Room
	for _, room := range s.rooms {
		if room.Open && room.Department == department {
			rooms = append(rooms, *cloneRoom(room))
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	return rooms, nil
}

func (s *MemoryStore) SetServedBy(_ context.Context, roomID string, agent types.SelectedAgent) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !room.Open {
		return nil, ErrConflict
	}
	if room.ServedBy != nil {
		if room.ServedBy.AgentID == agent.AgentID {
			return cloneRoom(room), nil
		}
		return nil, ErrConflict
	}
	room.ServedBy = &agent
	return cloneRoom(room), nil
}

func (s *MemoryStore) ChangeServedBy(_ context.Context, roomID, fromAgentID string, to types.SelectedAgent) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !room.Open || room.ServedBy == nil || room.ServedBy.AgentID != fromAgentID {
		return nil, ErrConflict
	}
	room.ServedBy = &to
	return cloneRoom(room), nil
}

func (s *MemoryStore) CloseRoom(_ context.Context, roomID, closedBy string, at time.Time) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if !room.Open {
		return nil, ErrConflict
	}
	room.Open = false
	room.ClosedAt = &at
	room.ClosedBy = closedBy
	return cloneRoom(room), nil
}

func (s *MemoryStore) ReopenRoom(_ context.Context, roomID string) (*types.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if room.Open {
		return nil, ErrConflict
	}
	room.Open = true
	room.ClosedAt = nil
	room.ClosedBy = ""
	room.ServedBy = nil
	return cloneRoom(room), nil
}

func (s *MemoryStore) SetVerificationStatus(_ context.Context, roomID string, status types.VerificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Verification.Status = status
	return nil
}

func (s *MemoryStore) IncrementWrongAttempts(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	room.Verification.WrongAttempts++
	return room.Verification.WrongAttempts, nil
}

func (s *MemoryStore) ResetWrongAttempts(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	room.Verification.WrongAttempts = 0
	return nil
}

func (s *MemoryStore) CreateInquiry(_ context.Context, inquiry *types.Inquiry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.inquiries[inquiry.ID]; exists {
		return ErrConflict
	}
	if _, exists := s.byRoom[inquiry.RoomID]; exists {
		return ErrConflict
	}
	s.inquiries[inquiry.ID] = cloneInquiry(inquiry)
	s.byRoom[inquiry.RoomID] = inquiry.ID
	return nil
}

func (s *MemoryStore) GetInquiry(_ context.Context, id string) (*types.Inquiry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inquiry, ok := s.inquiries[id]
	if !ok {
		return nil, ErrInquiryNotFound
	}
	return cloneInquiry(inquiry), nil
}

func (s *MemoryStore) FindInquiryByRoom(_ context.Context, roomID string) (*types.Inquiry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRoom[roomID]
	if !ok {
		return nil, ErrInquiryNotFound
	}
	return cloneInquiry(s.inquiries[id]), nil
}

func (s *MemoryStore) ListInquiries(_ context.Context, filter InquiryFilter) ([]types.Inquiry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []types.Inquiry
	for _, inquiry := range s.inquiries {
		if filter.Status != "" && inquiry.Status != filter.Status {
			continue
		}
		if filter.Department != "" && inquiry.Department != filter.Department {
			continue
		}
		result = append(result, *cloneInquiry(inquiry))
	}
	sortInquiries(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) TakeInquiry(_ context.Context, id string, agent types.SelectedAgent, at time.Time) (*types.Inquiry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inquiry, ok := s.inquiries[id]
	if !ok {
		return nil, ErrInquiryNotFound
	}
	if inquiry.Status != types.InquiryReady {
		return nil, ErrConflict
	}
	inquiry.Status = types.InquiryTaken
	inquiry.Agent = &agent
	inquiry.TakenAt = &at
	return cloneInquiry(inquiry), nil
}

func (s *MemoryStore) ReleaseInquiry(_ context.Context, id, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inquiry, ok := s.inquiries[id]
	if !ok {
		return ErrInquiryNotFound
	}
	if inquiry.Status != types.InquiryTaken || inquiry.Agent == nil || inquiry.Agent.AgentID != agentID {
		return ErrConflict
	}
	inquiry.Status = types.InquiryReady
	inquiry.Agent = nil
	inquiry.TakenAt = nil
	return nil
}

func (s *MemoryStore) MarkInquiryReady(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inquiry, ok := s.inquiries[id]
	if !ok {
		return ErrInquiryNotFound
	}
	if inquiry.Status != types.InquiryQueued {
		return ErrConflict
	}
	inquiry.Status = types.InquiryReady
	return nil
}

func (s *MemoryStore) MarkInquiryQueued(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inquiry, ok := s.inquiries[id]
	if !ok {
		return ErrInquiryNotFound
	}
	if inquiry.Status == types.InquiryTaken {
		return ErrConflict
	}
	inquiry.Status = types.InquiryQueued
	inquiry.QueuedAt = &at
	return nil
}

func (s *MemoryStore) DeleteInquiryByRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byRoom[roomID]; ok {
		delete(s.inquiries, id)
		delete(s.byRoom, roomID)
	}
	return nil
}

func (s *MemoryStore) GetVisitor(_ context.Context, token string) (*types.Visitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	visitor, ok := s.visitors[token]
	if !ok {
		return nil, ErrVisitorNotFound
	}
	return cloneVisitor(visitor), nil
}

func (s *MemoryStore) SaveVisitor(_ context.Context, visitor *types.Visitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.visitors[visitor.Token] = cloneVisitor(visitor)
	return nil
}

func (s *MemoryStore) AddVisitorEmail(_ context.Context, token, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	visitor, ok := s.visitors[token]
	if !ok {
		return ErrVisitorNotFound
	}
	visitor.Emails = appendEmail(visitor.Emails, email)
	return nil
}

func (s *MemoryStore) FindVisitorByEmail(_ context.Context, email string) (*types.Visitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, visitor := range s.visitors {
		if hasEmail(visitor.Emails, email) {
			return cloneVisitor(visitor), nil
		}
	}
	return nil, ErrVisitorNotFound
}

func (s *MemoryStore) AddCode(_ context.Context, code types.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.codes[code.RoomID] = append(s.codes[code.RoomID], code)
	return nil
}

func (s *MemoryStore) ListCodes(_ context.Context, roomID string) ([]types.VerificationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]types.VerificationCode(nil), s.codes[roomID]...), nil
}

func (s *MemoryStore) DeleteExpiredCodes(_ context.Context, roomID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.codes[roomID][:0]
	removed := 0
	for _, code := range s.codes[roomID] {
		if code.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, code)
	}
	s.codes[roomID] = kept
	return removed, nil
}

func (s *MemoryStore) DeleteCodes(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, roomID)
	return nil
}

func (s *MemoryStore) MarkContactActive(_ context.Context, period, visitorToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.contacts[period] == nil {
		s.contacts[period] = make(map[string]struct{})
	}
	s.contacts[period][visitorToken] = struct{}{}
	return nil
}

func (s *MemoryStore) IsContactActive(_ context.Context, period, visitorToken string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.contacts[period][visitorToken]
	return ok, nil
}

func (s *MemoryStore) CountActiveContacts(_ context.Context, period string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.contacts[period]), nil
}

func cloneRoom(room *types.Room) *types.Room {
	c := *room
	if room.ServedBy != nil {
		agent := *room.ServedBy
		c.ServedBy = &agent
	}
	if room.ClosedAt != nil {
		at := *room.ClosedAt
		c.ClosedAt = &at
	}
	if room.Extra != nil {
		c.Extra = make(map[string]string, len(room.Extra))
		for k, v := range room.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

func cloneInquiry(inquiry *types.Inquiry) *types.Inquiry {
	c := *inquiry
	if inquiry.Agent != nil {
		agent := *inquiry.Agent
		c.Agent = &agent
	}
	if inquiry.DefaultAgent != nil {
		agent := *inquiry.DefaultAgent
		c.DefaultAgent = &agent
	}
	if inquiry.QueuedAt != nil {
		at := *inquiry.QueuedAt
		c.QueuedAt = &at
	}
	if inquiry.TakenAt != nil {
		at := *inquiry.TakenAt
		c.TakenAt = &at
	}
	return &c
}

func cloneVisitor(visitor *types.Visitor) *types.Visitor {
	c := *visitor
	c.Emails = append([]string(nil), visitor.Emails...)
	return &c
}

// sortInquiries orders by priority, then creation time, then ID for stability
func sortInquiries(inquiries []types.Inquiry) {
	sort.Slice(inquiries, func(i, j int) bool {
		a, b := inquiries[i], inquiries[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func hasEmail(emails []string, email string) bool {
	for _, e := range emails {
		if strings.EqualFold(e, email) {
			return true
		}
	}
	return false
}

func appendEmail(emails []string, email string) []string {
	if hasEmail(emails, email) {
		return emails
	}
	return append(emails, email)
}

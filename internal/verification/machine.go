// Package verification gates routing on the visitor proving ownership of an
// email address with a time-boxed one-time code.
//
//	unverified → listening-for-email | listening-for-otp → verified-true | verified-false
//
// verified-true hands the inquiry back to the queue. verified-false closes
// the room.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/config"
	"github.com/dennisdiepolder/monti/omnichannel/internal/mailer"
	"github.com/dennisdiepolder/monti/omnichannel/internal/metrics"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrRoomClosed     = errors.New("room-closed")
	ErrNotListening   = errors.New("verification-not-listening")
	ErrEmptyEmail     = errors.New("email is required")
	ErrMissingRoomID  = errors.New("roomId is required")
	ErrMissingToken   = errors.New("visitor token is required")
	ErrNotRoomVisitor = errors.New("cannot-access-room")
	ErrResendTooSoon  = errors.New("verification-code-recently-sent")
)

const defaultResendDelay = 30 * time.Second

// ClosedBy is recorded on rooms closed after too many wrong inputs
const ClosedBy = "verification"

const (
	msgAskEmail   = "Please enter your email address so we can verify your identity."
	msgCodeSent   = "We sent a verification code to your email address. Please enter it here."
	msgWrongEmail = "That email address cannot be used. Please try another one."
	msgWrongCode  = "That code is not valid. Please try again."
	msgVerified   = "Thank you, you are verified. An agent will be with you shortly."
	msgLockedOut  = "Too many invalid attempts. This conversation has been closed."
)

// Store is the persistence the machine needs
type Store interface {
	storage.RoomStore
	storage.VisitorStore
	storage.VerificationCodeStore
	FindInquiryByRoom(ctx context.Context, roomID string) (*types.Inquiry, error)
}

// Queue receives rooms once verification concludes
type Queue interface {
	PromoteInquiry(ctx context.Context, inquiryID string) (*types.Room, error)
	CloseRoom(ctx context.Context, roomID, closedBy string) (*types.Room, error)
}

// Notifier receives lifecycle events
type Notifier interface {
	Notify(ctx context.Context, evt types.Event)
}

// EmailValidator checks a submitted address and returns its normalized form
type EmailValidator interface {
	Validate(ctx context.Context, raw string) (string, error)
}

// Options tune code issuance and lockout
type Options struct {
	WrongLimit int
	CodeTTL    time.Duration
	CodeLength int
	BcryptCost int
	// ResendInterval is the minimum time between two codes for one room.
	// Zero uses 30s, negative disables the limit.
	ResendInterval time.Duration
}

// OptionsFromConfig maps the verification configuration to machine options
func OptionsFromConfig(cfg config.VerificationConfig) Options {
	return Options{
		WrongLimit:     cfg.WrongLimit,
		CodeTTL:        cfg.CodeTTL,
		CodeLength:     cfg.CodeLength,
		ResendInterval: cfg.ResendInterval,
	}
}

// Result is the outcome of a transition, as shown to the visitor
type Result struct {
	Status            types.VerificationStatus `json:"status"`
	Accepted          bool                     `json:"accepted"`
	Closed            bool                     `json:"closed"`
	RemainingAttempts int                      `json:"remainingAttempts,omitempty"`
	Message           string                   `json:"message,omitempty"`
}

// Machine drives the verification session embedded in a room
type Machine struct {
	store     Store
	queue     Queue
	mailer    mailer.Mailer
	validator EmailValidator
	notifier  Notifier
	opts      Options
	now       func() time.Time

	// rooms holding codes that may still need purging
	pendingMu sync.Mutex
	pending   map[string]struct{}

	logger zerolog.Logger
}

// NewMachine creates a new Machine
func NewMachine(store Store, queue Queue, m mailer.Mailer, validator EmailValidator, notifier Notifier, opts Options, logger zerolog.Logger) *Machine {
	if opts.WrongLimit <= 0 {
		opts.WrongLimit = 3
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 5 * time.Minute
	}
	if opts.CodeLength <= 0 {
		opts.CodeLength = 6
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.ResendInterval == 0 {
		opts.ResendInterval = defaultResendDelay
	}
	if validator == nil {
		validator = NewDomainValidator(nil, false, nil)
	}

	return &Machine{
		store:     store,
		queue:     queue,
		mailer:    m,
		validator: validator,
		notifier:  notifier,
		opts:      opts,
		now:       time.Now,
		pending:   make(map[string]struct{}),
		logger:    logger.With().Str("component", "verification").Logger(),
	}
}

// Initiate starts or re-prompts the session. With a known email a fresh
// code is sent and the session listens for it, otherwise it asks for an
// email. Terminal sessions and rooms without verification are left as is.
// A new code is refused with ErrResendTooSoon while the previous one is
// younger than the resend interval.
func (m *Machine) Initiate(ctx context.Context, roomID, visitorToken string) (Result, error) {
	room, err := m.openRoom(ctx, roomID, visitorToken)
	if err != nil {
		return Result{}, err
	}
	status := room.Verification.Status
	if !room.Verification.Required || status.Terminal() {
		return Result{Status: status}, nil
	}

	visitor, err := m.store.GetVisitor(ctx, room.Visitor.Token)
	if err != nil && !errors.Is(err, storage.ErrVisitorNotFound) {
		return Result{}, fmt.Errorf("failed to load visitor: %w", err)
	}

	if visitor == nil || visitor.PrimaryEmail() == "" {
		if err := m.store.SetVerificationStatus(ctx, roomID, types.VerificationListeningForEmail); err != nil {
			return Result{}, err
		}
		m.say(ctx, room, msgAskEmail)
		return Result{Status: types.VerificationListeningForEmail, Message: msgAskEmail}, nil
	}

	if err := m.checkResend(ctx, roomID); err != nil {
		return Result{}, err
	}
	if err := m.sendCode(ctx, room, visitor.PrimaryEmail()); err != nil {
		return Result{}, err
	}
	if err := m.store.SetVerificationStatus(ctx, roomID, types.VerificationListeningForOTP); err != nil {
		return Result{}, err
	}
	m.say(ctx, room, msgCodeSent)
	return Result{Status: types.VerificationListeningForOTP, Message: msgCodeSent}, nil
}

// SubmitEmail records the visitor's email. It does not send a code, the
// caller re-initiates for that. An unusable address counts as wrong input.
func (m *Machine) SubmitEmail(ctx context.Context, roomID, visitorToken, email string) (Result, error) {
	if strings.TrimSpace(email) == "" {
		return Result{}, ErrEmptyEmail
	}
	room, err := m.openRoom(ctx, roomID, visitorToken)
	if err != nil {
		return Result{}, err
	}
	if room.Verification.Status != types.VerificationListeningForEmail {
		return Result{}, ErrNotListening
	}

	address, err := m.validator.Validate(ctx, email)
	if err == nil {
		err = m.checkAvailable(ctx, room.Visitor.Token, address)
	}
	if err != nil {
		m.logger.Info().Err(err).Str("room_id", roomID).Msg("email rejected")
		return m.handleWrongInput(ctx, room, msgWrongEmail)
	}

	if err := m.store.AddVisitorEmail(ctx, room.Visitor.Token, address); err != nil {
		return Result{}, fmt.Errorf("failed to save visitor email: %w", err)
	}
	if err := m.store.ResetWrongAttempts(ctx, roomID); err != nil {
		return Result{}, err
	}

	metrics.Get().RecordVerification("email_saved")
	m.logger.Info().Str("room_id", roomID).Str("visitor_token", room.Visitor.Token).Msg("visitor email recorded")
	return Result{Status: room.Verification.Status, Accepted: true}, nil
}

func (m *Machine) checkAvailable(ctx context.Context, token, address string) error {
	owner, err := m.store.FindVisitorByEmail(ctx, address)
	switch {
	case errors.Is(err, storage.ErrVisitorNotFound):
		return nil
	case err != nil:
		return err
	case owner.Token != token:
		return ErrEmailTaken
	}
	return nil
}

// SubmitCode checks a one-time code. Expired codes are purged first, so a
// matching but expired code is rejected.
func (m *Machine) SubmitCode(ctx context.Context, roomID, visitorToken, input string) (Result, error) {
	room, err := m.openRoom(ctx, roomID, visitorToken)
	if err != nil {
		return Result{}, err
	}
	if room.Verification.Status != types.VerificationListeningForOTP {
		return Result{}, ErrNotListening
	}

	code := digitsOnly(input)
	if code == "" {
		return m.handleWrongInput(ctx, room, msgWrongCode)
	}

	if _, err := m.store.DeleteExpiredCodes(ctx, roomID, m.now()); err != nil {
		return Result{}, fmt.Errorf("failed to purge expired codes: %w", err)
	}
	codes, err := m.store.ListCodes(ctx, roomID)
	if err != nil {
		return Result{}, err
	}

	matched := false
	for _, c := range codes {
		if bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(code)) == nil {
			matched = true
			break
		}
	}
	if !matched {
		return m.handleWrongInput(ctx, room, msgWrongCode)
	}

	return m.succeed(ctx, room)
}

func (m *Machine) succeed(ctx context.Context, room *types.Room) (Result, error) {
	if err := m.store.DeleteCodes(ctx, room.ID); err != nil {
		return Result{}, err
	}
	m.forget(room.ID)
	if err := m.store.ResetWrongAttempts(ctx, room.ID); err != nil {
		return Result{}, err
	}
	if err := m.store.SetVerificationStatus(ctx, room.ID, types.VerificationSucceeded); err != nil {
		return Result{}, err
	}

	metrics.Get().RecordVerification(string(types.VerificationSucceeded))
	m.notify(ctx, types.Event{Type: types.EventVerificationSucceeded, RoomID: room.ID, Department: room.Department})
	m.say(ctx, room, msgVerified)
	m.logger.Info().Str("room_id", room.ID).Msg("visitor verified")

	inquiry, err := m.store.FindInquiryByRoom(ctx, room.ID)
	if err != nil {
		m.logger.Error().Err(err).Str("room_id", room.ID).Msg("verified room has no inquiry")
	} else if _, err := m.queue.PromoteInquiry(ctx, inquiry.ID); err != nil {
		m.logger.Error().Err(err).
			Str("room_id", room.ID).
			Str("inquiry_id", inquiry.ID).
			Msg("failed to route verified room")
	}

	return Result{Status: types.VerificationSucceeded, Accepted: true, Message: msgVerified}, nil
}

// handleWrongInput counts a wrong email or code. At the limit the session
// fails and the room is closed; this is a normal outcome, not an error.
func (m *Machine) handleWrongInput(ctx context.Context, room *types.Room, reprompt string) (Result, error) {
	attempts, err := m.store.IncrementWrongAttempts(ctx, room.ID)
	if err != nil {
		return Result{}, err
	}

	metrics.Get().RecordVerification("wrong_input")
	if attempts < m.opts.WrongLimit {
		m.say(ctx, room, reprompt)
		return Result{
			Status:            room.Verification.Status,
			RemainingAttempts: m.opts.WrongLimit - attempts,
			Message:           reprompt,
		}, nil
	}

	if err := m.store.ResetWrongAttempts(ctx, room.ID); err != nil {
		return Result{}, err
	}
	if err := m.store.SetVerificationStatus(ctx, room.ID, types.VerificationFailed); err != nil {
		return Result{}, err
	}
	if err := m.store.DeleteCodes(ctx, room.ID); err != nil {
		m.logger.Warn().Err(err).Str("room_id", room.ID).Msg("failed to purge codes of locked out room")
	}
	m.forget(room.ID)

	metrics.Get().RecordVerification(string(types.VerificationFailed))
	m.notify(ctx, types.Event{
		Type:       types.EventVerificationFailed,
		RoomID:     room.ID,
		Department: room.Department,
		Data:       map[string]any{"attempts": attempts},
	})
	m.say(ctx, room, msgLockedOut)

	if _, err := m.queue.CloseRoom(ctx, room.ID, ClosedBy); err != nil {
		return Result{}, fmt.Errorf("failed to close locked out room: %w", err)
	}

	m.logger.Warn().
		Str("room_id", room.ID).
		Int("attempts", attempts).
		Msg("verification failed, room closed")
	return Result{Status: types.VerificationFailed, Closed: true, Message: msgLockedOut}, nil
}

// PurgeExpired removes expired codes of every room that was issued one
func (m *Machine) PurgeExpired(ctx context.Context) int {
	m.pendingMu.Lock()
	rooms := make([]string, 0, len(m.pending))
	for id := range m.pending {
		rooms = append(rooms, id)
	}
	m.pendingMu.Unlock()

	purged := 0
	for _, id := range rooms {
		n, err := m.store.DeleteExpiredCodes(ctx, id, m.now())
		if err != nil {
			m.logger.Error().Err(err).Str("room_id", id).Msg("failed to purge expired codes")
			continue
		}
		purged += n

		remaining, err := m.store.ListCodes(ctx, id)
		if err == nil && len(remaining) == 0 {
			m.forget(id)
		}
	}
	return purged
}

// StartPurge runs PurgeExpired every interval until the context is cancelled
func (m *Machine) StartPurge(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.PurgeExpired(ctx); n > 0 {
				m.logger.Debug().Int("purged", n).Msg("expired verification codes purged")
			}
		}
	}
}

func (m *Machine) sendCode(ctx context.Context, room *types.Room, address string) error {
	code, err := generateCode(m.opts.CodeLength)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), m.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash verification code: %w", err)
	}

	if err := m.store.AddCode(ctx, types.VerificationCode{
		RoomID:    room.ID,
		ID:        uuid.NewString(),
		Hash:      string(hash),
		ExpiresAt: m.now().Add(m.opts.CodeTTL),
	}); err != nil {
		return fmt.Errorf("failed to store verification code: %w", err)
	}

	m.pendingMu.Lock()
	m.pending[room.ID] = struct{}{}
	m.pendingMu.Unlock()

	if err := m.mailer.Send(ctx, address, code); err != nil {
		return err
	}
	metrics.Get().RecordVerification("code_sent")
	m.logger.Info().Str("room_id", room.ID).Msg("verification code sent")
	return nil
}

func (m *Machine) forget(roomID string) {
	m.pendingMu.Lock()
	delete(m.pending, roomID)
	m.pendingMu.Unlock()
}

// checkResend refuses a new code while a live one was issued less than the
// resend interval ago. Issue time is derived from the code's expiry.
func (m *Machine) checkResend(ctx context.Context, roomID string) error {
	if m.opts.ResendInterval <= 0 {
		return nil
	}
	codes, err := m.store.ListCodes(ctx, roomID)
	if err != nil {
		return err
	}

	now := m.now()
	for _, c := range codes {
		issued := c.ExpiresAt.Add(-m.opts.CodeTTL)
		if !c.Expired(now) && now.Sub(issued) < m.opts.ResendInterval {
			m.logger.Info().Str("room_id", roomID).Msg("verification code resend throttled")
			return ErrResendTooSoon
		}
	}
	return nil
}

// openRoom loads the room a visitor acts on. Only the room's own visitor
// may drive its verification session.
func (m *Machine) openRoom(ctx context.Context, roomID, visitorToken string) (*types.Room, error) {
	if roomID == "" {
		return nil, ErrMissingRoomID
	}
	if visitorToken == "" {
		return nil, ErrMissingToken
	}
	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(room.Visitor.Token), []byte(visitorToken)) != 1 {
		m.logger.Warn().Str("room_id", roomID).Msg("verification request with a foreign visitor token")
		return nil, ErrNotRoomVisitor
	}
	if !room.Open {
		return nil, ErrRoomClosed
	}
	return room, nil
}

// say sends a system message to the visitor
func (m *Machine) say(ctx context.Context, room *types.Room, text string) {
	m.notify(ctx, types.Event{
		Type:   types.EventRoomMessage,
		RoomID: room.ID,
		Data:   map[string]any{"text": text, "visitor_token": room.Visitor.Token},
	})
}

func (m *Machine) notify(ctx context.Context, evt types.Event) {
	if m.notifier != nil {
		m.notifier.Notify(ctx, evt)
	}
}

func generateCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate verification code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

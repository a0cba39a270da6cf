package verification

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/cache"
	"github.com/dennisdiepolder/monti/omnichannel/internal/capacity"
	"github.com/dennisdiepolder/monti/omnichannel/internal/queue"
	"github.com/dennisdiepolder/monti/omnichannel/internal/routing"
	"github.com/dennisdiepolder/monti/omnichannel/internal/storage"
	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type captureMailer struct {
	mu    sync.Mutex
	sent  map[string][]string
	fails bool
}

func (c *captureMailer) Send(_ context.Context, address, code string) error {
	if c.fails {
		return errors.New("smtp down")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = make(map[string][]string)
	}
	c.sent[address] = append(c.sent[address], code)
	return nil
}

func (c *captureMailer) last(address string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	codes := c.sent[address]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

type fakeQueue struct {
	store    storage.Store
	promoted []string
}

func (q *fakeQueue) PromoteInquiry(ctx context.Context, inquiryID string) (*types.Room, error) {
	q.promoted = append(q.promoted, inquiryID)
	inquiry, err := q.store.GetInquiry(ctx, inquiryID)
	if err != nil {
		return nil, err
	}
	return q.store.GetRoom(ctx, inquiry.RoomID)
}

func (q *fakeQueue) CloseRoom(ctx context.Context, roomID, closedBy string) (*types.Room, error) {
	return q.store.CloseRoom(ctx, roomID, closedBy, time.Now())
}

type fixture struct {
	store   *storage.MemoryStore
	mailer  *captureMailer
	queue   *fakeQueue
	machine *Machine
	clock   time.Time
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func newFixture(t *testing.T, emails ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveVisitor(ctx, &types.Visitor{Token: "visitor-1", Name: "Ada", Emails: emails}))
	require.NoError(t, store.SaveVisitor(ctx, &types.Visitor{Token: "visitor-2", Emails: []string{"taken@example.com"}}))
	require.NoError(t, store.CreateRoom(ctx, &types.Room{
		ID:           "R",
		Visitor:      types.VisitorRef{Token: "visitor-1"},
		Department:   "sales",
		Open:         true,
		CreatedAt:    time.Now(),
		Verification: types.Verification{Required: true, Status: types.VerificationUnverified},
	}))
	require.NoError(t, store.CreateInquiry(ctx, &types.Inquiry{
		ID:         "I",
		RoomID:     "R",
		Department: "sales",
		Status:     types.InquiryQueued,
		CreatedAt:  time.Now(),
	}))

	f := &fixture{
		store:  store,
		mailer: &captureMailer{},
		queue:  &fakeQueue{store: store},
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	validator := NewDomainValidator([]string{"mailinator.com"}, false, nil)
	f.machine = NewMachine(store, f.queue, f.mailer, validator, nil, Options{
		WrongLimit: 3,
		CodeTTL:    5 * time.Minute,
		CodeLength: 6,
		BcryptCost: bcrypt.MinCost,
	}, zerolog.Nop())
	f.machine.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) room(t *testing.T) *types.Room {
	t.Helper()
	room, err := f.store.GetRoom(context.Background(), "R")
	require.NoError(t, err)
	return room
}

func TestInitiate(t *testing.T) {
	ctx := context.Background()

	t.Run("known email sends a code", func(t *testing.T) {
		f := newFixture(t, "ada@example.com")

		result, err := f.machine.Initiate(ctx, "R", "visitor-1")
		require.NoError(t, err)
		assert.Equal(t, types.VerificationListeningForOTP, result.Status)
		assert.Len(t, f.mailer.last("ada@example.com"), 6)
		assert.Equal(t, types.VerificationListeningForOTP, f.room(t).Verification.Status)

		codes, err := f.store.ListCodes(ctx, "R")
		require.NoError(t, err)
		require.Len(t, codes, 1)
		assert.NotEqual(t, f.mailer.last("ada@example.com"), codes[0].Hash, "codes are stored hashed")
		assert.Equal(t, f.clock.Add(5*time.Minute), codes[0].ExpiresAt)
	})

	t.Run("unknown email asks for one", func(t *testing.T) {
		f := newFixture(t)

		result, err := f.machine.Initiate(ctx, "R", "visitor-1")
		require.NoError(t, err)
		assert.Equal(t, types.VerificationListeningForEmail, result.Status)
		assert.Empty(t, f.mailer.sent)
	})

	t.Run("terminal session is a no-op", func(t *testing.T) {
		f := newFixture(t, "ada@example.com")
		require.NoError(t, f.store.SetVerificationStatus(ctx, "R", types.VerificationSucceeded))

		result, err := f.machine.Initiate(ctx, "R", "visitor-1")
		require.NoError(t, err)
		assert.Equal(t, types.VerificationSucceeded, result.Status)
		assert.Empty(t, f.mailer.sent)
	})

	t.Run("mail failure keeps the state", func(t *testing.T) {
		f := newFixture(t, "ada@example.com")
		f.mailer.fails = true

		_, err := f.machine.Initiate(ctx, "R", "visitor-1")
		require.Error(t, err)
		assert.Equal(t, types.VerificationUnverified, f.room(t).Verification.Status)
	})

	t.Run("closed room", func(t *testing.T) {
		f := newFixture(t, "ada@example.com")
		_, err := f.store.CloseRoom(ctx, "R", "agent", time.Now())
		require.NoError(t, err)

		_, err = f.machine.Initiate(ctx, "R", "visitor-1")
		assert.ErrorIs(t, err, ErrRoomClosed)
	})
}

func TestSubmitEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)

	_, err = f.machine.SubmitEmail(ctx, "R", "visitor-1", "  ")
	assert.ErrorIs(t, err, ErrEmptyEmail)

	result, err := f.machine.SubmitEmail(ctx, "R", "visitor-1", "someone@mailinator.com")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, 2, result.RemainingAttempts)

	result, err = f.machine.SubmitEmail(ctx, "R", "visitor-1", "taken@example.com")
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, 1, result.RemainingAttempts)
	assert.Equal(t, 2, f.room(t).Verification.WrongAttempts)

	result, err = f.machine.SubmitEmail(ctx, "R", "visitor-1", "Ada <ADA@Example.com>")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, types.VerificationListeningForEmail, result.Status, "submitting an email does not send a code")
	assert.Zero(t, f.room(t).Verification.WrongAttempts)

	visitor, err := f.store.GetVisitor(ctx, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", visitor.PrimaryEmail())

	result, err = f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, types.VerificationListeningForOTP, result.Status)
	assert.NotEmpty(t, f.mailer.last("ada@example.com"))
}

func TestSubmitEmailLockout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)

	var result Result
	for i := 0; i < 3; i++ {
		result, err = f.machine.SubmitEmail(ctx, "R", "visitor-1", "not-an-email")
		require.NoError(t, err)
	}
	assert.True(t, result.Closed)

	room := f.room(t)
	assert.False(t, room.Open)
	assert.Equal(t, types.VerificationFailed, room.Verification.Status)
}

func TestSubmitCodeLockout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	_, err := f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)
	code := f.mailer.last("ada@example.com")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 1; i <= 2; i++ {
		result, err := f.machine.SubmitCode(ctx, "R", "visitor-1", wrong)
		require.NoError(t, err)
		assert.False(t, result.Closed)
		assert.Equal(t, 3-i, result.RemainingAttempts)
	}

	result, err := f.machine.SubmitCode(ctx, "R", "visitor-1", wrong)
	require.NoError(t, err)
	assert.True(t, result.Closed)
	assert.Equal(t, types.VerificationFailed, result.Status)

	room := f.room(t)
	assert.False(t, room.Open)
	assert.Equal(t, ClosedBy, room.ClosedBy)
	assert.Equal(t, types.VerificationFailed, room.Verification.Status)
	assert.Zero(t, room.Verification.WrongAttempts)

	codes, err := f.store.ListCodes(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, codes)

	_, err = f.machine.SubmitCode(ctx, "R", "visitor-1", code)
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestSubmitCodeSucceedsBeforeLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	_, err := f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)
	code := f.mailer.last("ada@example.com")
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for i := 0; i < 2; i++ {
		_, err := f.machine.SubmitCode(ctx, "R", "visitor-1", wrong)
		require.NoError(t, err)
	}

	// separators are ignored
	result, err := f.machine.SubmitCode(ctx, "R", "visitor-1", code[:3]+"-"+code[3:])
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, types.VerificationSucceeded, result.Status)

	room := f.room(t)
	assert.True(t, room.Open)
	assert.Equal(t, types.VerificationSucceeded, room.Verification.Status)
	assert.Zero(t, room.Verification.WrongAttempts)
	assert.Equal(t, []string{"I"}, f.queue.promoted)

	codes, err := f.store.ListCodes(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestSubmitCodeExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	_, err := f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)
	code := f.mailer.last("ada@example.com")

	f.advance(6 * time.Minute)

	result, err := f.machine.SubmitCode(ctx, "R", "visitor-1", code)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, types.VerificationListeningForOTP, result.Status)

	codes, err := f.store.ListCodes(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, codes, "expired code is purged")

	_, err = f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)
	fresh := f.mailer.last("ada@example.com")

	result, err = f.machine.SubmitCode(ctx, "R", "visitor-1", fresh)
	require.NoError(t, err)
	assert.True(t, result.Accepted)
}

func TestSubmitCodeNotListening(t *testing.T) {
	f := newFixture(t, "ada@example.com")

	_, err := f.machine.SubmitCode(context.Background(), "R", "visitor-1", "123456")
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	_, err := f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)
	assert.Zero(t, f.machine.PurgeExpired(ctx))

	f.advance(5 * time.Minute)
	assert.Equal(t, 1, f.machine.PurgeExpired(ctx))
	assert.Empty(t, f.machine.pending)
}

type fakeResolver struct{ records map[string][]*net.MX }

func (r fakeResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	if mx, ok := r.records[name]; ok {
		return mx, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
}

func TestDomainValidator(t *testing.T) {
	resolver := fakeResolver{records: map[string][]*net.MX{
		"example.com": {{Host: "mx.example.com.", Pref: 10}},
	}}
	v := NewDomainValidator([]string{"Mailinator.com", " "}, true, resolver)

	tests := []struct {
		input   string
		want    string
		wantErr error
	}{
		{input: "Ada@Example.com", want: "ada@example.com"},
		{input: "Ada Lovelace <ada@example.com>", want: "ada@example.com"},
		{input: "nope", wantErr: ErrMalformedEmail},
		{input: "ada@localhost", wantErr: ErrMalformedEmail},
		{input: "x@mailinator.com", wantErr: ErrBlockedDomain},
		{input: "x@eu.mailinator.com", wantErr: ErrBlockedDomain},
		{input: "x@nomx.org", wantErr: ErrNoMailServer},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := v.Validate(context.Background(), tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDigitsOnly(t *testing.T) {
	assert.Equal(t, "123456", digitsOnly(" 123-456 "))
	assert.Equal(t, "", digitsOnly("abc"))
}

// verified visitors are routed like any other inquiry
func TestVerifiedRoomIsRouted(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	store := storage.NewMemoryStore()
	tracker := cache.NewAgentStateTracker()
	tracker.RegisterAgent(&types.AgentRegister{AgentID: "agent-1", Username: "agent-1", Departments: []string{"sales"}})

	rm := routing.NewManager(store, tracker, &routing.LeastBusy{}, routing.Options{}, logger)
	qm := queue.NewManager(queue.Deps{
		Store:    store,
		Routing:  rm,
		Resolver: routing.NewDepartmentResolver(storage.NewCatalog(types.Department{ID: "sales", Enabled: true}), tracker, 0, logger),
		Capacity: capacity.NewLimiter(nil, store, logger),
	}, queue.Options{}, logger)

	room, err := qm.RequestRoom(ctx, queue.RoomRequest{
		Visitor: types.Visitor{Token: "v-1", Department: "sales", Emails: []string{"v1@example.com"}},
		Message: types.Message{RoomID: "R"},
		Info:    types.RoomInfo{RequireVerification: true},
	})
	require.NoError(t, err)
	require.Nil(t, room.ServedBy)

	mail := &captureMailer{}
	machine := NewMachine(store, qm, mail, nil, nil, Options{BcryptCost: bcrypt.MinCost}, logger)

	router := chi.NewRouter()
	router.Route("/api", NewHandler(machine, logger).Routes)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, visitorRequest("/api/rooms/R/verification/initiate", "v-1", ""))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, visitorRequest("/api/rooms/R/verification/initiate", "v-1", ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "an immediate resend is throttled")

	body := `{"token":"v-1","code":"` + mail.last("v1@example.com") + `"}`
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, visitorRequest("/api/rooms/R/verification/code", "", body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"verified-true"`)

	room, err = store.GetRoom(ctx, "R")
	require.NoError(t, err)
	require.NotNil(t, room.ServedBy)
	assert.Equal(t, "agent-1", room.ServedBy.AgentID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, visitorRequest("/api/rooms/missing/verification/initiate", "v-1", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func visitorRequest(target, token, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set(VisitorTokenHeader, token)
	}
	return req
}

func TestVerificationRequiresRoomVisitor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	_, err := f.machine.Initiate(ctx, "R", "visitor-2")
	assert.ErrorIs(t, err, ErrNotRoomVisitor)
	_, err = f.machine.Initiate(ctx, "R", "")
	assert.ErrorIs(t, err, ErrMissingToken)
	assert.Empty(t, f.mailer.sent, "no code is mailed to a foreign caller")

	_, err = f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = f.machine.SubmitCode(ctx, "R", "visitor-2", "000000")
		assert.ErrorIs(t, err, ErrNotRoomVisitor)
	}
	_, err = f.machine.SubmitEmail(ctx, "R", "visitor-2", "other@example.com")
	assert.ErrorIs(t, err, ErrNotRoomVisitor)

	room := f.room(t)
	assert.True(t, room.Open, "foreign attempts cannot lock the room out")
	assert.Zero(t, room.Verification.WrongAttempts)
	assert.Equal(t, types.VerificationListeningForOTP, room.Verification.Status)

	router := chi.NewRouter()
	router.Route("/api", NewHandler(f.machine, zerolog.Nop()).Routes)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, visitorRequest("/api/rooms/R/verification/code", "", `{"code":"000000"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, visitorRequest("/api/rooms/R/verification/code", "visitor-2", `{"code":"000000"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.room(t).Verification.WrongAttempts)
}

func TestInitiateResendInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "ada@example.com")

	_, err := f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)

	f.advance(10 * time.Second)
	_, err = f.machine.Initiate(ctx, "R", "visitor-1")
	assert.ErrorIs(t, err, ErrResendTooSoon)
	assert.Len(t, f.mailer.sent["ada@example.com"], 1)

	f.advance(21 * time.Second)
	_, err = f.machine.Initiate(ctx, "R", "visitor-1")
	require.NoError(t, err)
	assert.Len(t, f.mailer.sent["ada@example.com"], 2)

	result, err := f.machine.SubmitCode(ctx, "R", "visitor-1", f.mailer.last("ada@example.com"))
	require.NoError(t, err)
	assert.True(t, result.Accepted)
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dennisdiepolder/monti/omnichannel/internal/types"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// maxCASAttempts bounds optimistic retries when a row version moved underneath us
const maxCASAttempts = 5

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id            TEXT PRIMARY KEY,
	visitor_token TEXT NOT NULL,
	department    TEXT NOT NULL DEFAULT '',
	open          INTEGER NOT NULL,
	version       INTEGER NOT NULL DEFAULT 0,
	data          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_visitor ON rooms(visitor_token, open);
CREATE INDEX IF NOT EXISTS idx_rooms_department ON rooms(department, open);

CREATE TABLE IF NOT EXISTS inquiries (
	id         TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL UNIQUE,
	department TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inquiries_queue ON inquiries(status, department, priority, created_at);

CREATE TABLE IF NOT EXISTS visitors (
	token TEXT PRIMARY KEY,
	data  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS visitor_emails (
	email TEXT PRIMARY KEY,
	token TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_codes (
	room_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	hash       TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, id)
);

CREATE TABLE IF NOT EXISTS active_contacts (
	period        TEXT NOT NULL,
	visitor_token TEXT NOT NULL,
	PRIMARY KEY (period, visitor_token)
);
`

// SQLiteStore implements Store on an embedded SQLite database. Rows carry a
// version column and every write is a compare-and-set on it.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema
func NewSQLiteStore(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := NewSQLiteStoreFromDB(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info().Str("path", path).Msg("SQLite store initialized")
	return store, nil
}

// NewSQLiteStoreFromDB wraps an already opened database
func NewSQLiteStoreFromDB(ctx context.Context, db *sql.DB, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRoom(ctx context.Context, room *types.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("failed to marshal room: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, visitor_token, department, open, data) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		room.ID, room.Visitor.Token, room.Department, boolInt(room.Open), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) loadRoom(ctx context.Context, id string) (*types.Room, int64, error) {
	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM rooms WHERE id = ?`, id).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrRoomNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load room: %w", err)
	}

	var room types.Room
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal room: %w", err)
	}
	return &room, version, nil
}

// mutateRoom applies fn to the current room and writes it back if the row
// version is unchanged. fn returns ErrConflict when its precondition fails.
func (s *SQLiteStore) mutateRoom(ctx context.Context, id string, fn func(*types.Room) error) (*types.Room, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		room, version, err := s.loadRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(room); err != nil {
			return nil, err
		}

		data, err := json.Marshal(room)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal room: %w", err)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE rooms SET department = ?, open = ?, data = ?, version = version + 1 WHERE id = ? AND version = ?`,
			room.Department, boolInt(room.Open), string(data), id, version)
		if err != nil {
			return nil, fmt.Errorf("failed to update room: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return room, nil
		}
		s.logger.Debug().Str("room_id", id).Int("attempt", attempt).Msg("room version moved, retrying")
	}
	return nil, ErrConflict
}

func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	room, _, err := s.loadRoom(ctx, id)
	return room, err
}

func (s *SQLiteStore) queryRooms(ctx context.Context, query string, args ...any) ([]types.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var rooms []types.Room
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		var room types.Room
		if err := json.Unmarshal([]byte(data), &room); err != nil {
			return nil, fmt.Errorf("failed to unmarshal room: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) FindOpenRoomByVisitor(ctx context.Context, token string) (*types.Room, error) {
	rooms, err := s.queryRooms(ctx, `SELECT data FROM rooms WHERE visitor_token = ? AND open = 1 LIMIT 1`, token)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, ErrRoomNotFound
	}
	return &rooms[0], nil
}

func (s *SQLiteStore) FindOpenRoomsByDepartment(ctx context.Context, department string) ([]types.Room, error) {
	return s.queryRooms(ctx, `SELECT data FROM rooms WHERE department = ? AND open = 1 ORDER BY rowid`, department)
}

func (s *SQLiteStore) SetServedBy(ctx context.Context, roomID string, agent types.SelectedAgent) (*types.Room, error) {
	return s.mutateRoom(ctx, roomID, func(room *types.Room) error {
		if !room.Open {
			return ErrConflict
		}
		if room.ServedBy != nil && room.ServedBy.AgentID != agent.AgentID {
			return ErrConflict
		}
		room.ServedBy = &agent
		return nil
	})
}

func (s *SQLiteStore) ChangeServedBy(ctx context.Context, roomID, fromAgentID string, to types.SelectedAgent) (*types.Room, error) {
	return s.mutateRoom(ctx, roomID, func(room *types.Room) error {
		if !room.Open || room.ServedBy == nil || room.ServedBy.AgentID != fromAgentID {
			return ErrConflict
		}
		room.ServedBy = &to
		return nil
	})
}

func (s *SQLiteStore) CloseRoom(ctx context.Context, roomID, closedBy string, at time.Time) (*types.Room, error) {
	return s.mutateRoom(ctx, roomID, func(room *types.Room) error {
		if !room.Open {
			return ErrConflict
		}
		room.Open = false
		room.ClosedAt = &at
		room.ClosedBy = closedBy
		return nil
	})
}

func (s *SQLiteStore) ReopenRoom(ctx context.Context, roomID string) (*types.Room, error) {
	return s.mutateRoom(ctx, roomID, func(room *types.Room) error {
		if room.Open {
			return ErrConflict
		}
		room.Open = true
		room.ClosedAt = nil
		room.ClosedBy = ""
		room.ServedBy = nil
		return nil
	})
}

func (s *SQLiteStore) SetVerificationStatus(ctx context.Context, roomID string, status types.VerificationStatus) error {
	_, err := s.mutateRoom(ctx, roomID, func(room *types.Room) error {
		room.Verification.Status = status
		return nil
	})
	return err
}

func (s *SQLiteStore) IncrementWrongAttempts(ctx context.Context, roomID string) (int, error) {
	room, err := s.mutateRoom(ctx, roomID, func(room *types.Room) error {
		room.Verification.WrongAttempts++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return room.Verification.WrongAttempts, nil
}

func (s *SQLiteStore) ResetWrongAttempts(ctx context.Context, roomID string) error {
	_, err := s.mutateRoom(ctx, roomID, func(room *types.Room) error {
		room.Verification.WrongAttempts = 0
		return nil
	})
	return err
}

func (s *SQLiteStore) CreateInquiry(ctx context.Context, inquiry *types.Inquiry) error {
	data, err := json.Marshal(inquiry)
	if err != nil {
		return fmt.Errorf("failed to marshal inquiry: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO inquiries (id, room_id, department, status, priority, created_at, data) VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		inquiry.ID, inquiry.RoomID, inquiry.Department, string(inquiry.Status), inquiry.Priority, inquiry.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert inquiry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) loadInquiry(ctx context.Context, column, value string) (*types.Inquiry, int64, error) {
	var (
		data    string
		version int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, version FROM inquiries WHERE `+column+` = ?`, value).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrInquiryNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load inquiry: %w", err)
	}

	var inquiry types.Inquiry
	if err := json.Unmarshal([]byte(data), &inquiry); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal inquiry: %w", err)
	}
	return &inquiry, version, nil
}

func (s *SQLiteStore) mutateInquiry(ctx context.Context, id string, fn func(*types.Inquiry) error) (*types.Inquiry, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		inquiry, version, err := s.loadInquiry(ctx, "id", id)
		if err != nil {
			return nil, err
		}
		if err := fn(inquiry); err != nil {
			return nil, err
		}

		data, err := json.Marshal(inquiry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inquiry: %w", err)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE inquiries SET status = ?, data = ?, version = version + 1 WHERE id = ? AND version = ?`,
			string(inquiry.Status), string(data), id, version)
		if err != nil {
			return nil, fmt.Errorf("failed to update inquiry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return inquiry, nil
		}
		s.logger.Debug().Str("inquiry_id", id).Int("attempt", attempt).Msg("inquiry version moved, retrying")
	}
	return nil, ErrConflict
}

func (s *SQLiteStore) GetInquiry(ctx context.Context, id string) (*types.Inquiry, error) {
	inquiry, _, err := s.loadInquiry(ctx, "id", id)
	return inquiry, err
}

func (s *SQLiteStore) FindInquiryByRoom(ctx context.Context, roomID string) (*types.Inquiry, error) {
	inquiry, _, err := s.loadInquiry(ctx, "room_id", roomID)
	return inquiry, err
}

func (s *SQLiteStore) ListInquiries(ctx context.Context, filter InquiryFilter) ([]types.Inquiry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Department != "" {
		where = append(where, "department = ?")
		args = append(args, filter.Department)
	}

	query := `SELECT data FROM inquiries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY priority, created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query inquiries: %w", err)
	}
	defer rows.Close()

	var inquiries []types.Inquiry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan inquiry: %w", err)
		}
		var inquiry types.Inquiry
		if err := json.Unmarshal([]byte(data), &inquiry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal inquiry: %w", err)
		}
		inquiries = append(inquiries, inquiry)
	}
	return inquiries, rows.Err()
}

func (s *SQLiteStore) TakeInquiry(ctx context.Context, id string, agent types.SelectedAgent, at time.Time) (*types.Inquiry, error) {
	return s.mutateInquiry(ctx, id, func(inquiry *types.Inquiry) error {
		if inquiry.Status != types.InquiryReady {
			return ErrConflict
		}
		inquiry.Status = types.InquiryTaken
		inquiry.Agent = &agent
		inquiry.TakenAt = &at
		return nil
	})
}

func (s *SQLiteStore) ReleaseInquiry(ctx context.Context, id, agentID string) error {
	_, err := s.mutateInquiry(ctx, id, func(inquiry *types.Inquiry) error {
		if inquiry.Status != types.InquiryTaken || inquiry.Agent == nil || inquiry.Agent.AgentID != agentID {
			return ErrConflict
		}
		inquiry.Status = types.InquiryReady
		inquiry.Agent = nil
		inquiry.TakenAt = nil
		return nil
	})
	return err
}

func (s *SQLiteStore) MarkInquiryReady(ctx context.Context, id string) error {
	_, err := s.mutateInquiry(ctx, id, func(inquiry *types.Inquiry) error {
		if inquiry.Status != types.InquiryQueued {
			return ErrConflict
		}
		inquiry.Status = types.InquiryReady
		return nil
	})
	return err
}

func (s *SQLiteStore) MarkInquiryQueued(ctx context.Context, id string, at time.Time) error {
	_, err := s.mutateInquiry(ctx, id, func(inquiry *types.Inquiry) error {
		if inquiry.Status == types.InquiryTaken {
			return ErrConflict
		}
		inquiry.Status = types.InquiryQueued
		inquiry.QueuedAt = &at
		return nil
	})
	return err
}

func (s *SQLiteStore) DeleteInquiryByRoom(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM inquiries WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to delete inquiry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetVisitor(ctx context.Context, token string) (*types.Visitor, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM visitors WHERE token = ?`, token).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVisitorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load visitor: %w", err)
	}

	var visitor types.Visitor
	if err := json.Unmarshal([]byte(data), &visitor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal visitor: %w", err)
	}
	return &visitor, nil
}

func (s *SQLiteStore) SaveVisitor(ctx context.Context, visitor *types.Visitor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveVisitorTx(ctx, tx, visitor); err != nil {
		return err
	}
	return tx.Commit()
}

func saveVisitorTx(ctx context.Context, tx *sql.Tx, visitor *types.Visitor) error {
	data, err := json.Marshal(visitor)
	if err != nil {
		return fmt.Errorf("failed to marshal visitor: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO visitors (token, data) VALUES (?, ?) ON CONFLICT(token) DO UPDATE SET data = excluded.data`,
		visitor.Token, string(data)); err != nil {
		return fmt.Errorf("failed to save visitor: %w", err)
	}
	for _, email := range visitor.Emails {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO visitor_emails (email, token) VALUES (?, ?) ON CONFLICT(email) DO UPDATE SET token = excluded.token`,
			strings.ToLower(email), visitor.Token); err != nil {
			return fmt.Errorf("failed to index visitor email: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) AddVisitorEmail(ctx context.Context, token, email string) error {
	visitor, err := s.GetVisitor(ctx, token)
	if err != nil {
		return err
	}
	visitor.Emails = appendEmail(visitor.Emails, email)
	return s.SaveVisitor(ctx, visitor)
}

func (s *SQLiteStore) FindVisitorByEmail(ctx context.Context, email string) (*types.Visitor, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM visitor_emails WHERE email = ?`, strings.ToLower(email)).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrVisitorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up visitor email: %w", err)
	}
	return s.GetVisitor(ctx, token)
}

func (s *SQLiteStore) AddCode(ctx context.Context, code types.VerificationCode) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_codes (room_id, id, hash, expires_at) VALUES (?, ?, ?, ?)`,
		code.RoomID, code.ID, code.Hash, code.ExpiresAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to insert verification code: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCodes(ctx context.Context, roomID string) ([]types.VerificationCode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hash, expires_at FROM verification_codes WHERE room_id = ? ORDER BY expires_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query verification codes: %w", err)
	}
	defer rows.Close()

	var codes []types.VerificationCode
	for rows.Next() {
		code := types.VerificationCode{RoomID: roomID}
		var expires int64
		if err := rows.Scan(&code.ID, &code.Hash, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan verification code: %w", err)
		}
		code.ExpiresAt = time.Unix(0, expires)
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredCodes(ctx context.Context, roomID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM verification_codes WHERE room_id = ? AND expires_at <= ?`, roomID, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) DeleteCodes(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to delete verification codes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkContactActive(ctx context.Context, period, visitorToken string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO active_contacts (period, visitor_token) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		period, visitorToken); err != nil {
		return fmt.Errorf("failed to mark contact active: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsContactActive(ctx context.Context, period, visitorToken string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM active_contacts WHERE period = ? AND visitor_token = ?`, period, visitorToken).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check active contact: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) CountActiveContacts(ctx context.Context, period string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_contacts WHERE period = ?`, period).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active contacts: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package pg implements engine.Store on PostgreSQL through the pgx driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aula-app/aula-engine/internal/engine"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ engine.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Update runs fn in a read-committed transaction holding the box row lock, so
// writers of the same box are serialized while other boxes proceed.
func (s *Store) Update(ctx context.Context, boxID string, fn func(engine.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	box, err := loadBox(ctx, tx, boxID, true)
	if err != nil {
		return err
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx, box: box}); err != nil {
		return err
	}
	return tx.Commit()
}

// View runs fn against a repeatable-read snapshot.
func (s *Store) View(ctx context.Context, boxID string, fn func(engine.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	box, err := loadBox(ctx, tx, boxID, false)
	if err != nil {
		return err
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx, box: box, readOnly: true}); err != nil {
		return err
	}
	return tx.Commit()
}

func loadBox(ctx context.Context, tx *sql.Tx, boxID string, lock bool) (engine.Box, error) {
	q := `
		select id, room_id, name, phase, phase_durations, version, created_at, updated_at
		from boxes where id = $1`
	if lock {
		q += ` for update`
	}
	var (
		box       engine.Box
		durations []byte
	)
	err := tx.QueryRowContext(ctx, q, boxID).Scan(&box.ID, &box.RoomID, &box.Name, &box.Phase, &durations,
		&box.Version, &box.CreatedAt, &box.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Box{}, engine.NotFoundf("box %s not found", boxID)
	}
	if err != nil {
		return engine.Box{}, err
	}
	if len(durations) > 0 {
		if err := json.Unmarshal(durations, &box.Durations); err != nil {
			return engine.Box{}, fmt.Errorf("decode phase durations of box %s: %w", boxID, err)
		}
	}
	return box, nil
}

func (s *Store) CreateBox(ctx context.Context, box engine.Box) error {
	durations, err := json.Marshal(box.Durations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into boxes(id, room_id, name, phase, phase_durations, version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, box.ID, box.RoomID, box.Name, int(box.Phase), durations, int64(box.Version), box.CreatedAt, box.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return engine.InvalidInputf("box %s already exists", box.ID)
	}
	return err
}

func (s *Store) IdeaBox(ctx context.Context, ideaID string) (string, error) {
	var boxID string
	err := s.db.QueryRowContext(ctx, `select box_id from ideas where id = $1`, ideaID).Scan(&boxID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", engine.NotFoundf("idea %s not found", ideaID)
	}
	return boxID, err
}

func (s *Store) User(ctx context.Context, id string) (engine.User, error) {
	return userByID(ctx, s.db, id)
}

func (s *Store) UpsertUser(ctx context.Context, u engine.User) (engine.User, error) {
	err := s.directoryWrite(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			insert into users(id, display_name, role, status, created_at, updated_at)
			values ($1,$2,$3,$4,now(),now())
			on conflict (id) do update
			set display_name = excluded.display_name,
			    role = excluded.role,
			    status = excluded.status,
			    updated_at = now()
			returning created_at, updated_at
		`, u.ID, u.DisplayName, int(u.Role), int(u.Status)).Scan(&u.CreatedAt, &u.UpdatedAt)
	})
	if err != nil {
		return engine.User{}, err
	}
	return u, nil
}

func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	err := s.directoryWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into room_members(room_id, user_id) values ($1,$2)
			on conflict do nothing
		`, roomID, userID)
		return err
	})
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return engine.NotFoundf("user %s not found", userID)
	}
	return err
}

// RemoveMember drops a user from a room's pool.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.directoryWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `delete from room_members where room_id = $1 and user_id = $2`, roomID, userID)
		return err
	})
}

// directoryWrite runs fn and bumps the directory version in the same
// transaction, invalidating cached tallies of every box.
func (s *Store) directoryWrite(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `update settings set directory_version = directory_version + 1 where id = 1`); err != nil {
		return fmt.Errorf("bump directory version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Quorum(ctx context.Context) (engine.Quorum, error) {
	var q engine.Quorum
	err := s.db.QueryRowContext(ctx, `select quorum_votes, quorum_wild_ideas from settings where id = 1`).
		Scan(&q.Votes, &q.WildIdeas)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Quorum{}, engine.NotFoundf("quorum settings missing; run migrations")
	}
	return q, err
}

func (s *Store) SetQuorum(ctx context.Context, q engine.Quorum) error {
	_, err := s.db.ExecContext(ctx, `
		insert into settings(id, quorum_votes, quorum_wild_ideas) values (1,$1,$2)
		on conflict (id) do update
		set quorum_votes = excluded.quorum_votes, quorum_wild_ideas = excluded.quorum_wild_ideas
	`, q.Votes, q.WildIdeas)
	return err
}

// --- helpers ---

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userByID(ctx context.Context, q querier, id string) (engine.User, error) {
	var u engine.User
	err := q.QueryRowContext(ctx, `
		select id, display_name, role, status, created_at, updated_at
		from users where id = $1
	`, id).Scan(&u.ID, &u.DisplayName, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.User{}, engine.NotFoundf("user %s not found", id)
	}
	if err != nil {
		return engine.User{}, err
	}
	return u, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/aula-app/aula-engine/internal/engine"
)

var errReadOnly = errors.New("pg: write in read-only transaction")

type pgTx struct {
	ctx      context.Context
	tx       *sql.Tx
	box      engine.Box
	readOnly bool
}

func (t *pgTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *pgTx) Box() engine.Box {
	b := t.box
	if b.Durations != nil {
		b.Durations = make(map[engine.Phase]int, len(t.box.Durations))
		for k, v := range t.box.Durations {
			b.Durations[k] = v
		}
	}
	return b
}

func (t *pgTx) DirectoryVersion() (uint64, error) {
	var v int64
	err := t.tx.QueryRowContext(t.ctx, `select directory_version from settings where id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(v), err
}

func (t *pgTx) Touch(now time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	var version int64
	if err := t.tx.QueryRowContext(t.ctx, `
		update boxes set version = version + 1, updated_at = $2
		where id = $1 returning version
	`, t.box.ID, now).Scan(&version); err != nil {
		return err
	}
	t.box.Version = uint64(version)
	t.box.UpdatedAt = now
	return nil
}

func (t *pgTx) SetPhase(p engine.Phase, now time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `update boxes set phase = $2 where id = $1`, t.box.ID, int(p)); err != nil {
		return err
	}
	t.box.Phase = p
	return t.Touch(now)
}

func (t *pgTx) User(id string) (engine.User, error) { return userByID(t.ctx, t.tx, id) }

func (t *pgTx) IsMember(userID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(t.ctx, `
		select exists(select 1 from room_members where room_id = $1 and user_id = $2)
	`, t.box.RoomID, userID).Scan(&ok)
	return ok, err
}

func (t *pgTx) Members() ([]engine.User, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		select u.id, u.display_name, u.role, u.status, u.created_at, u.updated_at
		from room_members m
		join users u on u.id = m.user_id
		where m.room_id = $1
		order by u.id
	`, t.box.RoomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.User
	for rows.Next() {
		var u engine.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Role, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (t *pgTx) Idea(id string) (engine.Idea, error) {
	var idea engine.Idea
	err := t.tx.QueryRowContext(t.ctx, `
		select id, box_id, author_id, title, approval, created_at
		from ideas where id = $1 and box_id = $2
	`, id, t.box.ID).Scan(&idea.ID, &idea.BoxID, &idea.AuthorID, &idea.Title, &idea.Approval, &idea.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Idea{}, engine.NotFoundf("idea %s not found in box %s", id, t.box.ID)
	}
	if err != nil {
		return engine.Idea{}, err
	}
	return idea, nil
}

func (t *pgTx) Ideas() ([]engine.Idea, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		select id, box_id, author_id, title, approval, created_at
		from ideas where box_id = $1 order by id
	`, t.box.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.Idea
	for rows.Next() {
		var idea engine.Idea
		if err := rows.Scan(&idea.ID, &idea.BoxID, &idea.AuthorID, &idea.Title, &idea.Approval, &idea.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, idea)
	}
	return out, rows.Err()
}

func (t *pgTx) PutIdea(idea engine.Idea) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		insert into ideas(id, box_id, author_id, title, approval, created_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (id) do update
		set title = excluded.title, approval = excluded.approval
	`, idea.ID, t.box.ID, idea.AuthorID, idea.Title, int(idea.Approval), idea.CreatedAt)
	return err
}

const delegationCols = `box_id, from_user, to_user, created_at`

func scanDelegations(rows *sql.Rows) ([]engine.Delegation, error) {
	defer rows.Close()
	var out []engine.Delegation
	for rows.Next() {
		var d engine.Delegation
		if err := rows.Scan(&d.BoxID, &d.From, &d.To, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *pgTx) Outgoing(from string) (engine.Delegation, bool, error) {
	var d engine.Delegation
	err := t.tx.QueryRowContext(t.ctx, `
		select `+delegationCols+` from delegations where box_id = $1 and from_user = $2
	`, t.box.ID, from).Scan(&d.BoxID, &d.From, &d.To, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Delegation{}, false, nil
	}
	if err != nil {
		return engine.Delegation{}, false, err
	}
	return d, true, nil
}

func (t *pgTx) Incoming(to string) ([]engine.Delegation, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		select `+delegationCols+` from delegations where box_id = $1 and to_user = $2 order by from_user
	`, t.box.ID, to)
	if err != nil {
		return nil, err
	}
	return scanDelegations(rows)
}

func (t *pgTx) Delegations() ([]engine.Delegation, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		select `+delegationCols+` from delegations where box_id = $1 order by from_user
	`, t.box.ID)
	if err != nil {
		return nil, err
	}
	return scanDelegations(rows)
}

func (t *pgTx) PutDelegation(d engine.Delegation) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		insert into delegations(box_id, from_user, to_user, created_at)
		values ($1,$2,$3,$4)
		on conflict (box_id, from_user) do update
		set to_user = excluded.to_user, created_at = excluded.created_at
	`, t.box.ID, d.From, d.To, d.CreatedAt)
	return err
}

func (t *pgTx) DeleteDelegation(from string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx, `delete from delegations where box_id = $1 and from_user = $2`, t.box.ID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *pgTx) Ballot(ideaID, voterID string) (engine.Ballot, bool, error) {
	var b engine.Ballot
	err := t.tx.QueryRowContext(t.ctx, `
		select box_id, idea_id, voter_id, value, cast_at
		from ballots where box_id = $1 and idea_id = $2 and voter_id = $3
	`, t.box.ID, ideaID, voterID).Scan(&b.BoxID, &b.IdeaID, &b.VoterID, &b.Value, &b.CastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Ballot{}, false, nil
	}
	if err != nil {
		return engine.Ballot{}, false, err
	}
	return b, true, nil
}

func (t *pgTx) Ballots(ideaID string) ([]engine.Ballot, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		select box_id, idea_id, voter_id, value, cast_at
		from ballots
		where box_id = $1 and ($2 = '' or idea_id = $2)
		order by idea_id, voter_id
	`, t.box.ID, ideaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []engine.Ballot
	for rows.Next() {
		var b engine.Ballot
		if err := rows.Scan(&b.BoxID, &b.IdeaID, &b.VoterID, &b.Value, &b.CastAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *pgTx) PutBallot(b engine.Ballot) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		insert into ballots(box_id, idea_id, voter_id, value, cast_at)
		values ($1,$2,$3,$4,$5)
		on conflict (idea_id, voter_id) do update
		set value = excluded.value, cast_at = excluded.cast_at
	`, t.box.ID, b.IdeaID, b.VoterID, int(b.Value), b.CastAt)
	return err
}

func (t *pgTx) DeleteBallot(ideaID, voterID string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(t.ctx, `
		delete from ballots where box_id = $1 and idea_id = $2 and voter_id = $3
	`, t.box.ID, ideaID, voterID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *pgTx) Evaluation() (engine.Evaluation, bool, error) {
	var payload []byte
	err := t.tx.QueryRowContext(t.ctx, `select payload from evaluations where box_id = $1`, t.box.ID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Evaluation{}, false, nil
	}
	if err != nil {
		return engine.Evaluation{}, false, err
	}
	var ev engine.Evaluation
	if err := json.Unmarshal(payload, &ev); err != nil {
		return engine.Evaluation{}, false, err
	}
	return ev, true, nil
}

func (t *pgTx) SaveEvaluation(ev engine.Evaluation) error {
	if err := t.writable(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
		insert into evaluations(box_id, inputs_hash, payload, computed_at)
		values ($1,$2,$3,$4)
		on conflict (box_id) do update
		set inputs_hash = excluded.inputs_hash, payload = excluded.payload, computed_at = excluded.computed_at
	`, t.box.ID, ev.InputsHash, payload, ev.ComputedAt)
	return err
}

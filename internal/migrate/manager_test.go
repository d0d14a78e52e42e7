package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func expectLocked(mock sqlmock.Sqlmock) {
	mock.ExpectExec("select pg_advisory_lock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("select pg_advisory_unlock").WithArgs(lockKey).WillReturnResult(sqlmock.NewResult(0, 0))
}

func historyRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"name", "checksum", "applied_at"})
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, n := range names {
		rows.AddRow(n, "", at.Add(time.Duration(i)*time.Minute))
	}
	return rows
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	migrations := fstest.MapFS{
		"0002_more.up.sql":   {Data: []byte("create table b (id int);")},
		"0001_init.up.sql":   {Data: []byte("create table a (id int); insert into a values (1);")},
		"0001_init.down.sql": {Data: []byte("drop table a;")},
	}

	expectLocked(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(historyRows("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_more.up.sql", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	if err := NewManager(db, migrations, nil).Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_init.up.sql": {Data: []byte("create table a (id int); create table broken;")},
	}

	expectLocked(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").WillReturnRows(historyRows())
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table broken").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()
	expectUnlock(mock)

	err = NewManager(db, migrations, nil).Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "0001_init.up.sql") {
		t.Fatalf("expected failure naming the file, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpDetectsEditedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_init.up.sql": {Data: []byte("create table a (id bigint);")},
	}

	expectLocked(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name", "checksum", "applied_at"}).
			AddRow("0001_init.up.sql", "deadbeef", time.Now()))
	expectUnlock(mock)

	err = NewManager(db, migrations, nil).Up(context.Background())
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_init.up.sql":   {Data: []byte("create table a (id int);")},
		"0001_init.down.sql": {Data: []byte("drop table a;")},
	}

	expectLocked(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(historyRows("0001_init.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_init.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	if err := NewManager(db, migrations, nil).Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectLocked(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").WillReturnRows(historyRows())
	expectUnlock(mock)

	if err := NewManager(db, fstest.MapFS{}, nil).Down(context.Background()); err == nil {
		t.Fatal("expected error with no applied migrations")
	}
}

func TestStatusListsPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	migrations := fstest.MapFS{
		"0001_init.up.sql": {Data: []byte("create table a (id int);")},
		"0002_more.up.sql": {Data: []byte("create table b (id int);")},
	}

	expectLocked(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_migrations").
		WillReturnRows(historyRows("0001_init.up.sql"))
	expectUnlock(mock)

	entries, err := NewManager(db, migrations, nil).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(entries) != 2 || entries[0].AppliedAt.IsZero() || !entries[1].AppliedAt.IsZero() {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if !strings.HasPrefix(entries[1].String(), "pending  0002_more.up.sql") {
		t.Fatalf("unexpected rendering %q", entries[1].String())
	}
}

func TestSeedSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	seeds := fstest.MapFS{
		"0001_demo.sql": {Data: []byte("insert into users(id) values ('a');")},
		"0002_more.sql": {Data: []byte("-- second batch\ninsert into users(id) values ('b');")},
	}

	expectLocked(mock)
	mock.ExpectQuery("select name, checksum, applied_at from schema_seeds").
		WillReturnRows(historyRows("0001_demo.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("insert into users\\(id\\) values \\('b'\\)").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("0002_more.sql", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	if err := NewManager(db, nil, seeds).Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBundledFiles(t *testing.T) {
	m := Bundled(nil)
	ups, err := collectSQL(m.migrations, ".up.sql")
	if err != nil {
		t.Fatalf("collect migrations: %v", err)
	}
	if len(ups) == 0 || ups[0].Base != "0001_init.up.sql" {
		t.Fatalf("unexpected migrations: %+v", ups)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up.Base, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(m.migrations, down); err != nil {
			t.Fatalf("missing %s", down)
		}
	}
	body, err := fs.ReadFile(m.migrations, "0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	for _, table := range []string{"users", "room_members", "boxes", "ideas", "delegations", "ballots", "evaluations", "settings"} {
		if !strings.Contains(string(body), "create table if not exists "+table+" (") {
			t.Fatalf("schema lacks table %s", table)
		}
	}
	seeds, err := collectSQL(m.seeds, ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected bundled seeds, got %v %v", seeds, err)
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"quoted semicolon", "insert into t values ('a;b'); select 1;", []string{"insert into t values ('a;b')", "select 1"}},
		{"comments", "-- header; ignored\nselect 1; -- trailing\n", []string{"select 1"}},
		{"no terminator", "select 2", []string{"select 2"}},
		{"quoted dashes", "select '--x';", []string{"select '--x'"}},
		{"empty", " ;\n; ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("statement %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

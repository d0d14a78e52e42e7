package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aula-app/aula-engine/internal/config"
	"github.com/aula-app/aula-engine/internal/engine"
	"github.com/aula-app/aula-engine/internal/engine/memstore"
	"github.com/aula-app/aula-engine/internal/store/pg"
)

// storeBundle is the selected engine store and, for PostgreSQL, its handle.
type storeBundle struct {
	engine.Store
	db    *sql.DB
	close func() error
}

// openStore returns the PostgreSQL store when a DSN is configured and an
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config) (*storeBundle, error) {
	if cfg.PostgresDSN == "" {
		return &storeBundle{
			Store: memstore.New(cfg.Quorum()),
			close: func() error { return nil },
		}, nil
	}
	st, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &storeBundle{Store: st, db: st.DB(), close: st.Close}, nil
}

// demoUsers seed the in-memory store so a fresh process is usable.
var demoUsers = []engine.User{
	{ID: "admin", DisplayName: "School Admin", Role: engine.RoleAdmin, Status: engine.StatusActive},
	{ID: "mod", DisplayName: "Moderator", Role: engine.RoleSuperModerator, Status: engine.StatusActive},
	{ID: "alice", DisplayName: "Alice", Role: engine.RoleUser, Status: engine.StatusActive},
	{ID: "bob", DisplayName: "Bob", Role: engine.RoleUser, Status: engine.StatusActive},
	{ID: "carol", DisplayName: "Carol", Role: engine.RoleUser, Status: engine.StatusActive},
}

func seedDemo(ctx context.Context, store engine.Store, room string) error {
	for _, u := range demoUsers {
		if _, err := store.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
		if err := store.AddMember(ctx, room, u.ID); err != nil {
			return fmt.Errorf("seed member %s: %w", u.ID, err)
		}
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aula-app/aula-engine/internal/audit"
	"github.com/aula-app/aula-engine/internal/engine"
)

var userFlags = struct {
	name   string
	role   int
	status int
	rooms  []string
}{}

// userCommand writes directly through the store, so it can create the first
// admin before anyone is able to call the API.
func userCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user <id>",
		Short: "Create or update a user and their room memberships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.close() }()
			if store.db == nil {
				return fmt.Errorf("AULA_PG_DSN is required to persist users")
			}

			u := engine.User{
				ID:          args[0],
				DisplayName: userFlags.name,
				Role:        engine.Role(userFlags.role),
				Status:      engine.UserStatus(userFlags.status),
			}
			if !u.Role.Valid() {
				return fmt.Errorf("invalid role %d", userFlags.role)
			}
			if !u.Status.Valid() {
				return fmt.Errorf("invalid status %d", userFlags.status)
			}
			saved, err := store.UpsertUser(ctx, u)
			if err != nil {
				return fmt.Errorf("upsert user: %w", err)
			}
			for _, room := range userFlags.rooms {
				if err := store.AddMember(ctx, room, saved.ID); err != nil {
					return fmt.Errorf("add to room %s: %w", room, err)
				}
			}
			_ = audit.LogEvent(ctx, "cli.user_upserted", map[string]any{
				"user_id": saved.ID,
				"role":    int(saved.Role),
				"rooms":   userFlags.rooms,
			})
			fmt.Fprintf(cmd.OutOrStdout(), "%s role=%d status=%d\n", saved.ID, saved.Role, saved.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&userFlags.name, "name", "", "display name")
	cmd.Flags().IntVar(&userFlags.role, "role", int(engine.RoleUser), "role level (10 guest .. 60 tech admin)")
	cmd.Flags().IntVar(&userFlags.status, "status", int(engine.StatusActive), "status (0 inactive, 1 active, 2 suspended, 3 archived)")
	cmd.Flags().StringSliceVar(&userFlags.rooms, "room", nil, "room to join (repeatable)")
	return cmd
}

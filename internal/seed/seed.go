// Package seed provisions demo data for local development: a server group
// with a few well-known probe targets and the baseline core.settings keys a
// fresh deployment needs.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/opswatch/pkg/store"
)

// Run inserts the demo server group and default settings. It is idempotent:
// conflicts update in place.
func Run(ctx context.Context, db *pgxpool.Pool, logger *slog.Logger) error {
	const upsertGroup = `
		INSERT INTO monitoring.server_groups (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`
	var groupID int64
	if err := db.QueryRow(ctx, upsertGroup, "demo").Scan(&groupID); err != nil {
		return fmt.Errorf("seeding server group: %w", err)
	}

	servers := []struct {
		name, address string
	}{
		{"dns-google", "8.8.8.8"},
		{"dns-cloudflare", "1.1.1.1"},
		{"localhost", "127.0.0.1"},
	}
	const upsertServer = `
		INSERT INTO monitoring.servers (group_id, name, address, first_seen, last_seen)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (group_id, name) DO UPDATE SET address = EXCLUDED.address`
	for _, sv := range servers {
		if _, err := db.Exec(ctx, upsertServer, groupID, sv.name, sv.address); err != nil {
			return fmt.Errorf("seeding server %s: %w", sv.name, err)
		}
	}

	settings := store.NewSettingsStore(db)
	defaults := map[string]string{
		"alert_lifetime":        "30s",
		"delete_delay_user":     "30s",
		"delete_delay_bot":      "10m",
		"delete_delay_employee": "5m",
	}
	for k, v := range defaults {
		if err := settings.Set(ctx, k, v); err != nil {
			return fmt.Errorf("seeding setting %s: %w", k, err)
		}
	}

	logger.Info("seed complete", "group_id", groupID, "servers", len(servers))
	return nil
}

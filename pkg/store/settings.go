package store

import "context"

// SettingsStore persists core.settings, the key/value table that is the
// runtime source of truth for operational knobs (topic ids, allowed
// domains, timers, ...). Values are stored as text; internal/config.Settings
// does the typed coercion.
type SettingsStore struct {
	dbtx DBTX
}

func NewSettingsStore(dbtx DBTX) *SettingsStore {
	return &SettingsStore{dbtx: dbtx}
}

// All loads every key/value pair, for the settings layer's periodic refresh.
func (s *SettingsStore) All(ctx context.Context) (map[string]string, error) {
	const q = `SELECT key, value FROM core.settings`
	rows, err := s.dbtx.Query(ctx, q)
	if err != nil {
		return nil, classify("list settings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, classify("scan setting", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set upserts a single key, for the admin surface (out of core scope) or
// operator tooling to change a runtime knob without a restart.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO core.settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	_, err := s.dbtx.Exec(ctx, q, key, value)
	return classify("set setting", err)
}

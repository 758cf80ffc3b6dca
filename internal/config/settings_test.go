package config

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticLoader map[string]string

func (l staticLoader) All(ctx context.Context) (map[string]string, error) {
	return l, nil
}

func newLoadedSettings(t *testing.T, values map[string]string) *Settings {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSettings(staticLoader(values), logger, time.Hour)
	s.refresh(context.Background())
	return s
}

func TestTypedGetters(t *testing.T) {
	s := newLoadedSettings(t, map[string]string{
		"topic_tasks":    "77",
		"chat_id":        "-1001234567890",
		"alert_lifetime": "45s",
		"domains":        "a.com, b.com",
		"bad_int":        "x",
	})

	require.Equal(t, 77, s.Int("topic_tasks", 0))
	require.Equal(t, int64(-1001234567890), s.Int64("chat_id", 0))
	require.Equal(t, 45*time.Second, s.Duration("alert_lifetime", time.Second))
	require.Equal(t, []string{"a.com", "b.com"}, s.StringSlice("domains", nil))

	// Unset and unparseable values fall back to the default.
	require.Equal(t, 9, s.Int("missing", 9))
	require.Equal(t, 9, s.Int("bad_int", 9))
	require.Equal(t, time.Minute, s.Duration("missing", time.Minute))
	require.Equal(t, "def", s.String("missing", "def"))
}

func TestSettingsOverrideEnvDefaults(t *testing.T) {
	s := newLoadedSettings(t, map[string]string{"topic_ping": "12"})
	envDefault := 5

	require.Equal(t, 12, s.Int("topic_ping", envDefault), "db value wins")
	require.Equal(t, envDefault, s.Int("topic_metrics", envDefault), "absent key falls back to env")
}

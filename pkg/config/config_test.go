package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeEnvFile(t, `
CALL_SELF_ID=user-a
CALL_API_URL=https://api.example.test
CALL_SIGNALING_URL=wss://rt.example.test/ws
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "user-a", cfg.SelfID)
	require.Equal(t, 60*time.Second, cfg.Timers.UnansweredTimeout)
	require.Equal(t, 5*time.Second, cfg.Timers.LivenessPoll)
	require.Equal(t, 2*time.Second, cfg.Timers.DedupTTL)
	require.Equal(t, 2, cfg.Timers.MinParticipants)
	require.Equal(t, 5*time.Second, cfg.Signaling.ConnectWait)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Media.STUNServers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CALL_UNANSWERED_TIMEOUT", "45s")
	t.Setenv("CALL_STUN_SERVERS", "stun:one.test:3478, stun:two.test:3478")

	path := writeEnvFile(t, `
CALL_SELF_ID=user-a
CALL_API_URL=https://api.example.test
CALL_SIGNALING_URL=wss://rt.example.test/ws
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 45*time.Second, cfg.Timers.UnansweredTimeout)
	require.Equal(t, []string{"stun:one.test:3478", "stun:two.test:3478"}, cfg.Media.STUNServers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing self id",
			mutate:  func(c *Config) { c.SelfID = "" },
			wantErr: "CALL_SELF_ID",
		},
		{
			name:    "missing api url",
			mutate:  func(c *Config) { c.Backend.BaseURL = "" },
			wantErr: "CALL_API_URL",
		},
		{
			name:    "missing signaling url",
			mutate:  func(c *Config) { c.Signaling.URL = "" },
			wantErr: "CALL_SIGNALING_URL",
		},
		{
			name:    "participant floor too low",
			mutate:  func(c *Config) { c.Timers.MinParticipants = 1 },
			wantErr: "CALL_MIN_PARTICIPANTS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				SelfID:    "user-a",
				Backend:   BackendConfig{BaseURL: "https://api.example.test"},
				Signaling: SignalingConfig{URL: "wss://rt.example.test/ws"},
				Timers: TimerConfig{
					UnansweredTimeout: time.Minute,
					LivenessPoll:      5 * time.Second,
					MinParticipants:   2,
				},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all credentials and tuning for the call engine
type Config struct {
	SelfID    string
	Backend   BackendConfig
	Signaling SignalingConfig
	Media     MediaConfig
	Timers    TimerConfig
	Store     StoreConfig
	Status    StatusConfig
}

// BackendConfig holds the collaborator REST API settings
type BackendConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// SignalingConfig holds the realtime event channel settings
type SignalingConfig struct {
	URL string
	// ConnectWait bounds how long EnsureConnected blocks before the
	// channel is declared unavailable.
	ConnectWait time.Duration
	// SendsPerSecond rate-limits outbound envelopes.
	SendsPerSecond float64
}

// MediaConfig holds capture and transport settings
type MediaConfig struct {
	STUNServers []string
	// MaxWidth/MaxHeight cap the reduced-constraint capture attempt.
	MaxWidth     int
	MaxHeight    int
	VideoBitRate int
}

// TimerConfig holds the state machine and liveness monitor windows
type TimerConfig struct {
	// UnansweredTimeout force-ends calls that never reach connected.
	UnansweredTimeout time.Duration
	// LivenessPoll is the participant-count poll interval while connected.
	LivenessPoll time.Duration
	// SettleDelay is waited before the caller-side offer so both
	// transports are ready.
	SettleDelay time.Duration
	// DedupTTL is the duplicate-envelope suppression window.
	DedupTTL time.Duration
	// MinParticipants is the floor below which a connected call auto-ends.
	MinParticipants int
}

// StoreConfig holds the durable snapshot store settings
type StoreConfig struct {
	Dir string
}

// StatusConfig holds the local status/metrics server settings
type StatusConfig struct {
	ListenAddr string
}

// Load reads configuration from a .env file merged with process env.
// Process env wins over file values so deployments can override.
func Load(envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{
		SelfID: getEnv("CALL_SELF_ID", ""),
		Backend: BackendConfig{
			BaseURL:  getEnv("CALL_API_URL", ""),
			APIToken: getEnv("CALL_API_TOKEN", ""),
			Timeout:  getDuration("CALL_API_TIMEOUT", 15*time.Second),
		},
		Signaling: SignalingConfig{
			URL:            getEnv("CALL_SIGNALING_URL", ""),
			ConnectWait:    getDuration("CALL_SIGNALING_CONNECT_WAIT", 5*time.Second),
			SendsPerSecond: getFloat("CALL_SIGNALING_SEND_RATE", 25),
		},
		Media: MediaConfig{
			STUNServers:  getList("CALL_STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			MaxWidth:     getInt("CALL_MEDIA_MAX_WIDTH", 640),
			MaxHeight:    getInt("CALL_MEDIA_MAX_HEIGHT", 480),
			VideoBitRate: getInt("CALL_MEDIA_VIDEO_BITRATE", 1_500_000),
		},
		Timers: TimerConfig{
			UnansweredTimeout: getDuration("CALL_UNANSWERED_TIMEOUT", 60*time.Second),
			LivenessPoll:      getDuration("CALL_LIVENESS_POLL", 5*time.Second),
			SettleDelay:       getDuration("CALL_SETTLE_DELAY", 300*time.Millisecond),
			DedupTTL:          getDuration("CALL_DEDUP_TTL", 2*time.Second),
			MinParticipants:   getInt("CALL_MIN_PARTICIPANTS", 2),
		},
		Store: StoreConfig{
			Dir: getEnv("CALL_STORE_DIR", defaultStoreDir()),
		},
		Status: StatusConfig{
			ListenAddr: getEnv("CALL_STATUS_ADDR", "127.0.0.1:8089"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present
func (c *Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("missing CALL_SELF_ID")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("missing CALL_API_URL")
	}
	if c.Signaling.URL == "" {
		return fmt.Errorf("missing CALL_SIGNALING_URL")
	}
	if c.Timers.UnansweredTimeout <= 0 {
		return fmt.Errorf("CALL_UNANSWERED_TIMEOUT must be positive")
	}
	if c.Timers.LivenessPoll <= 0 {
		return fmt.Errorf("CALL_LIVENESS_POLL must be positive")
	}
	if c.Timers.MinParticipants < 2 {
		return fmt.Errorf("CALL_MIN_PARTICIPANTS must be at least 2")
	}
	return nil
}

func defaultStoreDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return dir + string(os.PathSeparator) + "collabcall"
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

package logger_test

import (
	"fmt"
	"os"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	// Create logger with default config
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Basic logging
	log.Info("engine started", "version", "1.0.0")
	log.Warn("signaling channel slow", "rtt_ms", 850)
	log.Error("failed to connect", "error", "connection timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugSignaling)
	cfg.EnableCategory(logger.DebugICE)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Signaling debugging (only logged if DebugSignaling enabled)
	log.DebugEnvelope("inbound", "sdp_offer", "call-1", "user-b")

	// ICE debugging (only logged if DebugICE enabled)
	log.DebugCandidate("call-1", "user-b", "candidate:1 1 udp 2130706431 10.0.0.2 54321 typ host")

	// Generic category logging
	log.DebugSignaling("handler registered", "type", "call_ended")
	log.DebugICE("candidate queued", "pending", 3)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/nist-kishan/collabcall/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("myapp", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/engine/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json") // Cleanup

	log.Info("call connected",
		"call_id", "c-12345",
		"remote_id", "user-b",
		"setup_ms", 250)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"call connected","call_id":"c-12345","remote_id":"user-b","setup_ms":250}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugSDP)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// This will only execute if DebugSDP is enabled
	// No performance overhead if disabled
	sdp := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\n"
	log.DebugSDPPayload("offer", "call-1", sdp) // Only logs first 256 bytes

	// Category methods automatically check if enabled
	// No manual check needed - zero cost if disabled
	log.DebugSignaling("envelope dropped", "reason", "duplicate")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/nist-kishan/collabcall/pkg/backend"
	"github.com/nist-kishan/collabcall/pkg/config"
	"github.com/nist-kishan/collabcall/pkg/logger"
	"github.com/nist-kishan/collabcall/pkg/media"
	"github.com/nist-kishan/collabcall/pkg/peer"
	"github.com/nist-kishan/collabcall/pkg/signal"
)

// Preflight tool for the call engine: verifies configuration, backend and
// signaling reachability, local media acquisition (including the fallback
// ladder), and a loopback offer/answer round through the peer layer.

type checkResult struct {
	name   string
	ok     bool
	detail string
}

type diagnostics struct {
	logger  *logger.Logger
	cfg     *config.Config
	results []checkResult
}

func main() {
	envPath := flag.String("env", ".env", "Path to env file")
	skipMedia := flag.Bool("skip-media", false, "Skip camera/microphone acquisition")
	logFlags := logger.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger.SetDefault(log)

	log.Info("=== call engine preflight ===")

	d := &diagnostics{logger: log}

	d.checkConfig(*envPath)
	if d.cfg != nil {
		d.checkBackend()
		d.checkSignaling()
		if !*skipMedia {
			d.checkMedia()
		}
		d.checkLoopbackNegotiation()
	}

	failed := d.printSummary()
	if failed > 0 {
		os.Exit(1)
	}
}

func (d *diagnostics) record(name string, ok bool, format string, args ...any) {
	detail := fmt.Sprintf(format, args...)
	d.results = append(d.results, checkResult{name: name, ok: ok, detail: detail})
	if ok {
		d.logger.Info("check passed", "check", name, "detail", detail)
	} else {
		d.logger.Error("check failed", "check", name, "detail", detail)
	}
}

func (d *diagnostics) checkConfig(envPath string) {
	cfg, err := config.Load(envPath)
	if err != nil {
		d.record("config", false, "%v", err)
		return
	}
	d.cfg = cfg
	d.record("config", true, "self_id=%s backend=%s signaling=%s",
		cfg.SelfID, cfg.Backend.BaseURL, cfg.Signaling.URL)
}

func (d *diagnostics) checkBackend() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Backend.Timeout)
	defer cancel()

	client := backend.NewClient(d.cfg.Backend.BaseURL, d.cfg.Backend.APIToken,
		d.cfg.Backend.Timeout, d.logger)

	calls, err := client.GetCallHistory(ctx, backend.HistoryFilters{Limit: 1})
	if err != nil {
		d.record("backend", false, "history probe: %v", err)
		return
	}
	d.record("backend", true, "reachable, %d history entries returned", len(calls))
}

func (d *diagnostics) checkSignaling() {
	adapter := signal.New(signal.Options{
		URL:            d.cfg.Signaling.URL,
		SelfID:         d.cfg.SelfID,
		ConnectWait:    d.cfg.Signaling.ConnectWait,
		SendsPerSecond: d.cfg.Signaling.SendsPerSecond,
	}, d.logger)
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Signaling.ConnectWait)
	defer cancel()

	start := time.Now()
	if err := adapter.EnsureConnected(ctx); err != nil {
		d.record("signaling", false, "connect: %v", err)
		return
	}
	d.record("signaling", true, "connected in %s", time.Since(start).Round(time.Millisecond))
}

func (d *diagnostics) checkMedia() {
	opts := media.Options{
		STUNServers:  d.cfg.Media.STUNServers,
		MaxWidth:     d.cfg.Media.MaxWidth,
		MaxHeight:    d.cfg.Media.MaxHeight,
		VideoBitRate: d.cfg.Media.VideoBitRate,
	}
	capture, err := media.NewBackend(opts, d.logger)
	if err != nil {
		d.record("media", false, "capture backend: %v", err)
		return
	}

	mgr := media.NewManager(capture, opts, d.logger)
	defer mgr.Release()

	set, err := mgr.Acquire(true)
	if err != nil {
		d.record("media", false, "acquire (reason=%s): %v", media.Reason(err), err)
		return
	}

	quality := "ideal constraints"
	if set.Degraded {
		quality = "degraded (fallback layer used)"
	}
	d.record("media", true, "video=%t audio=%t, %s",
		set.Video != nil, set.Audio != nil, quality)
}

// checkLoopbackNegotiation runs a full offer/answer/trickle round between two
// local links, the same path a real call takes minus the signaling channel
func (d *diagnostics) checkLoopbackNegotiation() {
	opts := media.Options{VideoBitRate: d.cfg.Media.VideoBitRate}
	capture, err := media.NewBackend(opts, d.logger)
	if err != nil {
		d.record("negotiation", false, "capture backend: %v", err)
		return
	}
	api, err := capture.NewAPI()
	if err != nil {
		d.record("negotiation", false, "webrtc api: %v", err)
		return
	}

	probeID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var caller, callee *peer.Link
	stateCh := make(chan webrtc.PeerConnectionState, 8)

	onState := func(_ string, state webrtc.PeerConnectionState) {
		select {
		case stateCh <- state:
		default:
		}
	}
	callerCandidates := func(_ string, cand webrtc.ICECandidateInit) {
		if callee != nil {
			_ = callee.AddRemoteCandidate(cand)
		}
	}
	calleeCandidates := func(_ string, cand webrtc.ICECandidateInit) {
		if caller != nil {
			_ = caller.AddRemoteCandidate(cand)
		}
	}

	// No STUN: host candidates are enough for loopback
	caller, err = peer.NewLink(ctx, api, nil, probeID, "loopback-callee", onState, callerCandidates, d.logger)
	if err != nil {
		d.record("negotiation", false, "caller link: %v", err)
		return
	}
	defer caller.Close()

	callee, err = peer.NewLink(ctx, api, nil, probeID, "loopback-caller", nil, calleeCandidates, d.logger)
	if err != nil {
		d.record("negotiation", false, "callee link: %v", err)
		return
	}
	defer callee.Close()

	offer, err := caller.CreateOffer(nil)
	if err != nil {
		d.record("negotiation", false, "create offer: %v", err)
		return
	}
	answer, err := callee.HandleRemoteOffer(offer, nil)
	if err != nil {
		d.record("negotiation", false, "answer offer: %v", err)
		return
	}
	if err := caller.HandleRemoteAnswer(answer); err != nil {
		d.record("negotiation", false, "apply answer: %v", err)
		return
	}

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			d.record("negotiation", false, "timeout waiting for connection (state=%s)",
				caller.State())
			return
		case state := <-stateCh:
			if state == webrtc.PeerConnectionStateConnected {
				d.record("negotiation", true, "loopback connected in %s, probe=%s",
					time.Since(start).Round(time.Millisecond), probeID)
				return
			}
			if state == webrtc.PeerConnectionStateFailed {
				d.record("negotiation", false, "loopback transport failed")
				return
			}
		}
	}
}

func (d *diagnostics) printSummary() int {
	separator := strings.Repeat("=", 72)
	fmt.Println("\n" + separator)
	fmt.Println("PREFLIGHT SUMMARY")
	fmt.Println(separator)

	failed := 0
	for _, r := range d.results {
		mark := "✓"
		if !r.ok {
			mark = "✗"
			failed++
		}
		fmt.Printf("  %s %-12s %s\n", mark, r.name, r.detail)
	}

	fmt.Println(separator)
	if failed == 0 {
		fmt.Println("All checks passed - the engine should run cleanly on this host.")
	} else {
		fmt.Printf("%d check(s) failed - fix these before starting the engine.\n", failed)
	}
	fmt.Println()
	return failed
}

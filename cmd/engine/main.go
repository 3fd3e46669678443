package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/nist-kishan/collabcall/pkg/api"
	"github.com/nist-kishan/collabcall/pkg/backend"
	"github.com/nist-kishan/collabcall/pkg/bus"
	"github.com/nist-kishan/collabcall/pkg/config"
	"github.com/nist-kishan/collabcall/pkg/dedup"
	"github.com/nist-kishan/collabcall/pkg/logger"
	"github.com/nist-kishan/collabcall/pkg/media"
	"github.com/nist-kishan/collabcall/pkg/peer"
	"github.com/nist-kishan/collabcall/pkg/session"
	"github.com/nist-kishan/collabcall/pkg/signal"
	"github.com/nist-kishan/collabcall/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	envPath := flag.String("env", ".env", "Path to env file")
	logFlags := logger.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	logger.SetDefault(log)

	log.Info("starting call engine")

	cfg, err := config.Load(*envPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log.Info("configuration loaded", "self_id", cfg.SelfID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	snapshots, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer snapshots.Close()

	window := dedup.NewWindow(cfg.Timers.DedupTTL)
	defer window.Close()

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIToken, cfg.Backend.Timeout, log)

	adapter := signal.New(signal.Options{
		URL:            cfg.Signaling.URL,
		SelfID:         cfg.SelfID,
		ConnectWait:    cfg.Signaling.ConnectWait,
		SendsPerSecond: cfg.Signaling.SendsPerSecond,
	}, log)
	defer adapter.Close()

	mediaOpts := media.Options{
		STUNServers:  cfg.Media.STUNServers,
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
	}
	captureBackend, err := media.NewBackend(mediaOpts, log)
	if err != nil {
		return fmt.Errorf("initialize capture backend: %w", err)
	}
	mediaMgr := media.NewManager(captureBackend, mediaOpts, log)

	webrtcAPI, err := captureBackend.NewAPI()
	if err != nil {
		return fmt.Errorf("initialize webrtc api: %w", err)
	}

	machine := session.NewMachine(session.Config{
		SelfID:            cfg.SelfID,
		UnansweredTimeout: cfg.Timers.UnansweredTimeout,
		LivenessPoll:      cfg.Timers.LivenessPoll,
		SettleDelay:       cfg.Timers.SettleDelay,
		MinParticipants:   cfg.Timers.MinParticipants,
	}, session.Deps{
		Backend:   client,
		Signaler:  adapter,
		Media:     mediaMgr,
		Snapshots: snapshots,
		Window:    window,
	}, log)
	defer machine.Close()

	// Transport events flow back into the machine, so the peer manager is
	// built after it and bound before the machine runs
	peerMgr := peer.NewManager(webrtcAPI, cfg.Media.STUNServers,
		machine.OnPeerState, machine.OnLocalCandidate, log)
	machine.SetPeerLayer(session.NewPeerAdapter(peerMgr))

	// Restore any in-flight call before events start arriving
	rehydrateCtx, rehydrateCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := machine.Rehydrate(rehydrateCtx); err != nil {
		log.Warn("rehydrate failed, starting clean", "error", err)
	}
	rehydrateCancel()

	machine.Bind(adapter)
	machine.Run()

	commands := bus.New()
	defer commands.Close()
	machine.ConsumeBus(commands)

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.Signaling.ConnectWait)
	if err := adapter.EnsureConnected(connectCtx); err != nil {
		// The adapter keeps redialing in the background; calls fail fast
		// with ErrChannelUnavailable until it comes back
		log.Warn("signaling channel not yet available", "error", err)
	}
	connectCancel()

	server := api.NewServer(machine, client, commands, log)
	if err := server.Start(cfg.Status.ListenAddr); err != nil {
		return fmt.Errorf("start status server: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := server.Stop(stopCtx); err != nil {
			log.Error("stop status server failed", "error", err)
		}
	}()

	log.Info("call engine ready",
		"status_addr", cfg.Status.ListenAddr,
		"signaling_url", cfg.Signaling.URL)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

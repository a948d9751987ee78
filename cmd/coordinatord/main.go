// Command coordinatord runs the ceremony coordinator daemon: it loads a
// TOML configuration file, opens the storage backend, and serves the
// lock/contribute/verify/aggregate/advance endpoints plus a metrics and
// WebSocket notification endpoint until SIGINT/SIGTERM.
//
// Usage:
//
//	coordinatord [flags]
//
// Flags:
//
//	--config    Path to the TOML configuration file (default: ./coordinator.toml)
//	--version   Print version and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/setupforge/coordinator/ceremony/backend/blake2bref"
	"github.com/setupforge/coordinator/ceremony/backend/ed25519sig"
	ceremonyconfig "github.com/setupforge/coordinator/ceremony/config"
	"github.com/setupforge/coordinator/ceremony/coordinator"
	"github.com/setupforge/coordinator/ceremony/events"
	"github.com/setupforge/coordinator/ceremony/metrics"
	"github.com/setupforge/coordinator/ceremony/queue"
	"github.com/setupforge/coordinator/ceremony/state"
	"github.com/setupforge/coordinator/ceremony/storage"
	"github.com/setupforge/coordinator/log"
	"github.com/setupforge/coordinator/transport"
)

var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("coordinatord", flag.ContinueOnError)
	configPath := fs.String("config", "./coordinator.toml", "path to the TOML configuration file")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("coordinatord %s (commit %s)\n", version, commit)
		return 0
	}

	logger := log.Default().Module("coordinatord")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		return 1
	}
	defer closeStore()

	coordCfg, err := cfg.CoordinatorConfig()
	if err != nil {
		logger.Error("invalid round config", "error", err)
		return 1
	}

	now := time.Now()
	q := queue.New(now, time.Hour, true)
	if cfg.Queue.RequireTokens {
		if err := loadTokens(q, cfg.ResolvePath(cfg.Queue.TokensFile)); err != nil {
			logger.Error("failed to load tokens", "error", err)
			return 1
		}
	} else {
		q.LoadTokens([][]string{{""}})
	}
	st := state.New(q)

	co := coordinator.New(store, storage.SizeSchedule{BaseSize: cfg.Storage.BaseSize}, st, blake2bref.New(), ed25519sig.New(), coordCfg)
	co.VerifierPublicKeyHex = cfg.Round.VerifierPublicKeyHex
	if co.VerifierPublicKeyHex == "" {
		logger.Warn("round.verifier_public_key_hex is unset, every try_verify call will fail")
	}
	co.VerifierSecretKeyHex = cfg.Round.VerifierSecretKeyHex
	if co.VerifierSecretKeyHex == "" {
		logger.Info("round.verifier_secret_key_hex is unset, pending_verification will only drain via external try_verify calls")
	}

	collector := metrics.New("coordinator")
	notifier := transport.NewNotifier()
	srv := transport.NewServer(co, notifier)

	stopEvents := make(chan struct{})
	go forwardEvents(co, notifier, stopEvents)
	defer close(stopEvents)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/v1/events", notifier.ServeHTTP)

	httpServer := &http.Server{Addr: cfg.ListenAddr(), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr())
		errCh <- httpServer.ListenAndServe()
	}()

	tickInterval, err := cfg.UpdateTickIntervalDuration()
	if err != nil {
		logger.Error("invalid update tick interval", "error", err)
		return 1
	}
	verifyInterval, err := cfg.VerifyDrainIntervalDuration()
	if err != nil {
		logger.Error("invalid verify drain interval", "error", err)
		return 1
	}
	ceremonyOverCh := make(chan struct{})
	tickCtx, cancelTicks := context.WithCancel(context.Background())
	defer cancelTicks()
	go func() {
		if err := co.RunTicks(tickCtx, tickInterval, verifyInterval, ceremonyOverCh); err != nil {
			logger.Error("tick loop failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			return 1
		}
	case <-ceremonyOverCh:
		logger.Info("ceremony is over, shutting down")
		if err := httpServer.Close(); err != nil {
			logger.Error("error during shutdown", "error", err)
			return 1
		}
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		if err := httpServer.Close(); err != nil {
			logger.Error("error during shutdown", "error", err)
			return 1
		}
	}

	logger.Info("shutdown complete")
	return 0
}

// forwardEvents relays Coordinator's internal lifecycle events (a drop or
// ban decided by UpdateTick, an auto-aggregate, the ceremony ending) onto
// the WebSocket notifier, which otherwise only hears about transitions that
// happen to go through an HTTP handler.
func forwardEvents(co *coordinator.Coordinator, notifier *transport.Notifier, stop <-chan struct{}) {
	sub := co.Events.Subscribe(events.RoundAggregated, events.ParticipantDropped, events.ParticipantBanned, events.CeremonyOver)
	defer sub.Unsubscribe()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-sub.Chan():
			if !ok {
				return
			}
			switch ev.Type {
			case events.RoundAggregated:
				notifier.BroadcastRoundAggregated(ev.RoundHeight)
			case events.ParticipantDropped:
				notifier.BroadcastParticipantDropped(ev.Participant.ID)
			case events.ParticipantBanned:
				notifier.BroadcastParticipantBanned(ev.Participant.ID)
			case events.CeremonyOver:
				notifier.BroadcastCeremonyOver()
			}
		}
	}
}

func loadConfig(path string) (*ceremonyconfig.File, error) {
	if _, err := os.Stat(path); err != nil {
		return ceremonyconfig.Default(), nil
	}
	return ceremonyconfig.Load(path)
}

func loadTokens(q *queue.Queue, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cohorts [][]string
	if err := json.Unmarshal(data, &cohorts); err != nil {
		return err
	}
	q.LoadTokens(cohorts)
	return nil
}

func openStore(cfg *ceremonyconfig.File) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "pebble":
		path := cfg.ResolvePath(cfg.Storage.Path)
		ds, err := storage.OpenDiskStore(path)
		if err != nil {
			return nil, nil, err
		}
		return ds, func() { _ = ds.Close() }, nil
	default:
		return storage.NewMemStore(), func() {}, nil
	}
}

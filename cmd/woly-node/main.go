// WoLy node agent - LAN host discovery and Wake-on-LAN, optionally driven
// by a remote C&C service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/kaonis/woly-node/internal/agent"
	"github.com/kaonis/woly-node/internal/config"
	"github.com/kaonis/woly-node/internal/netscan"
	"github.com/kaonis/woly-node/internal/scanner"
	"github.com/kaonis/woly-node/internal/store"
	"github.com/kaonis/woly-node/internal/telemetry"
	"github.com/kaonis/woly-node/internal/wol"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("woly-node %s\n", agent.Version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", agent.Version).
		Str("mode", cfg.Mode).
		Str("db", cfg.DBPath).
		Msg("WoLy node starting")

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open host store")
	}
	defer db.Close()

	st := store.New(log, db)
	defer st.Close()

	disc := netscan.NewScanner(log, cfg.PingTimeout)
	orch := scanner.New(log, st, disc, scanner.Config{
		PingConcurrency:   cfg.PingConcurrency,
		UsePingValidation: cfg.UsePingValidation,
		ScanDelay:         cfg.ScanDelay,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.StartPeriodic(ctx, cfg.ScanInterval, false)
	defer orch.StopPeriodic()

	if cfg.Mode != config.ModeAgent {
		log.Info().Msg("standalone mode: periodic scanning only")
		waitForSignal(log)
		return
	}

	tel := telemetry.New()
	waker := wol.NewWaker(log, "")
	verifier := wol.NewVerifier(log, st, disc)

	a := agent.New(cfg, log, st, orch, disc, waker, verifier, tel)

	go func() {
		waitForSignal(log)
		a.Stop()
		orch.StopPeriodic()
	}()

	if err := a.Run(); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func waitForSignal(log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("received signal")
}

func printUsage() {
	fmt.Printf(`Usage: woly-node [options]

WoLy node %s - discovers LAN hosts and wakes them on demand.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit

Environment variables:
  NODE_MODE                           standalone or agent (default: standalone)
  DB_PATH                             SQLite database path (default: woly.db)
  LOG_LEVEL                           debug, info, warn, error
  NODE_ENV                            development or production

Agent mode:
  CNC_URL                             C&C base URL (required)
  NODE_ID                             Node identifier (required)
  NODE_LOCATION                       Node location label (required)
  NODE_AUTH_TOKEN                     Bootstrap bearer token (required)
  NODE_PUBLIC_URL                     Public URL advertised at registration
  NODE_SESSION_TOKEN_URL              Session-token mint endpoint
  HEARTBEAT_INTERVAL                  Dial-time heartbeat default (ms)
  RECONNECT_INTERVAL                  Reconnect delay (ms)
  MAX_RECONNECT_ATTEMPTS              0 = unbounded
  WS_ALLOW_QUERY_TOKEN_FALLBACK       Also pass token as query parameter
  NODE_HOST_UPDATE_DEBOUNCE_MS        host-updated coalescing window
  NODE_MAX_BUFFERED_HOST_EVENTS       Offline host-event buffer size
  NODE_HOST_EVENT_FLUSH_BATCH_SIZE    Buffer flush batch size
  NODE_INITIAL_SYNC_CHUNK_SIZE        Initial sync chunk size
  NODE_HOST_STALE_AFTER_MS            Stale-host window

Scanning:
  SCAN_INTERVAL, SCAN_DELAY           Periodic scan timing (ms)
  PING_TIMEOUT, PING_CONCURRENCY      ICMP probe tuning
  USE_PING_VALIDATION                 Derive status from ping results

Wake verification:
  WAKE_VERIFY_ENABLED
  WAKE_VERIFY_TIMEOUT_MS
  WAKE_VERIFY_POLL_INTERVAL_MS
`, agent.Version)
}

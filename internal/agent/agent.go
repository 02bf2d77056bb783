// Package agent wires the store, scanner, WoL and C&C transport into the
// node agent: it streams host lifecycle events upstream with debounce and
// bounded buffering, and executes inbound commands through the reliability
// engine.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaonis/woly-node/internal/cnc"
	"github.com/kaonis/woly-node/internal/command"
	"github.com/kaonis/woly-node/internal/config"
	"github.com/kaonis/woly-node/internal/scanner"
	"github.com/kaonis/woly-node/internal/store"
	"github.com/kaonis/woly-node/internal/telemetry"
	"github.com/kaonis/woly-node/internal/wol"
)

// Version is the node agent version.
const Version = "1.0.0"

// Waker sends magic packets; satisfied by wol.Waker.
type Waker interface {
	Wake(ctx context.Context, mac string) error
}

// Verifier polls for a woken host; satisfied by wol.Verifier.
type Verifier interface {
	Verify(ctx context.Context, name string, params wol.VerifyParams) wol.VerifyResult
}

// Agent is the node agent service.
type Agent struct {
	cfg          *config.Config
	log          zerolog.Logger
	store        *store.Store
	orchestrator *scanner.Orchestrator
	prober       Prober
	waker        Waker
	verifier     Verifier
	tel          *telemetry.Telemetry

	engine  *command.Engine
	client  *cnc.Client
	results *resultBuffer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	pendingUpdates map[string]*store.Host
	debounceTimer  *time.Timer
	eventBuf       []outboundEvent
}

// New creates an agent. All collaborators are injected so tests and
// multi-node embeddings can substitute them.
func New(
	cfg *config.Config,
	log zerolog.Logger,
	st *store.Store,
	orch *scanner.Orchestrator,
	prober Prober,
	waker Waker,
	verifier Verifier,
	tel *telemetry.Telemetry,
) *Agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:            cfg,
		log:            log.With().Str("component", "agent").Logger(),
		store:          st,
		orchestrator:   orch,
		prober:         prober,
		waker:          waker,
		verifier:       verifier,
		tel:            tel,
		results:        newResultBuffer(),
		ctx:            ctx,
		cancel:         cancel,
		pendingUpdates: make(map[string]*store.Host),
	}
	a.engine = command.New(log, tel, a.deliverResult)
	a.client = cnc.NewClient(cfg, log, tel, a, Version)
	return a
}

// Run starts the event pipeline and the C&C connection loop; it blocks
// until shutdown.
func (a *Agent) Run() error {
	a.log.Info().
		Str("node_id", a.cfg.NodeID).
		Str("cnc_url", a.cfg.CncURL).
		Str("location", a.cfg.Location).
		Msg("starting agent")

	events := a.store.Subscribe()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.eventLoop(a.ctx, events)
	}()

	a.client.Run(a.ctx)

	a.wg.Wait()
	a.log.Info().Msg("agent stopped")
	return nil
}

// Stop initiates graceful shutdown: timers cancelled, socket closed with
// code 1000, pending state cleared.
func (a *Agent) Stop() {
	a.log.Info().Msg("shutting down")
	a.cancel()

	a.mu.Lock()
	if a.debounceTimer != nil {
		a.debounceTimer.Stop()
		a.debounceTimer = nil
	}
	a.pendingUpdates = make(map[string]*store.Host)
	a.mu.Unlock()

	a.client.Stop()
}

// Telemetry exposes the runtime counters.
func (a *Agent) Telemetry() telemetry.Snapshot {
	return a.tel.Snapshot()
}

// OnConnected runs the initial sync after every successful registration.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("registered with C&C, starting initial sync")
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.initialSync(a.ctx)
	}()
}

// OnDisconnected is called on every socket teardown; subsequent events
// land in the buffers automatically.
func (a *Agent) OnDisconnected() {
	a.log.Warn().Msg("disconnected from C&C")
}

// OnPeerError surfaces a C&C-reported error.
func (a *Agent) OnPeerError(message string) {
	a.log.Error().Str("message", message).Msg("error reported by C&C")
}

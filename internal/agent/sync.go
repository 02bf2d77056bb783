package agent

import (
	"context"
	"errors"
	"time"

	"github.com/kaonis/woly-node/internal/protocol"
	"github.com/kaonis/woly-node/internal/scanner"
)

// initialSync brings the C&C up to date after a (re)connection: refresh the
// network view, drain everything that accumulated while disconnected, then
// replay the full host list in paced chunks.
func (a *Agent) initialSync(ctx context.Context) {
	// Best-effort scan; a failure never blocks the sync.
	if _, err := a.orchestrator.Sync(ctx); err != nil && !errors.Is(err, scanner.ErrScanInProgress) {
		a.log.Warn().Err(err).Msg("pre-sync scan failed, continuing")
	}

	a.flushPendingUpdates()
	a.flushBufferedResults()
	a.flushEventBuffer(ctx)
	a.replayHostList(ctx)
}

// flushBufferedResults sends command results held while disconnected,
// preserving insertion order.
func (a *Agent) flushBufferedResults() {
	buffered := a.results.Drain()
	for _, result := range buffered {
		if err := a.client.Send(protocol.TypeCommandResult, result); err != nil {
			a.results.Put(result)
		}
	}
	if len(buffered) > 0 {
		a.log.Info().Int("count", len(buffered)).Msg("flushed buffered command results")
	}
}

// replayHostList streams the whole store as host-discovered frames in
// chunks, yielding between chunks so the socket writer keeps up.
func (a *Agent) replayHostList(ctx context.Context) {
	hosts, err := a.store.GetAll()
	if err != nil {
		a.log.Error().Err(err).Msg("initial sync: reading host list failed")
		return
	}

	chunk := a.cfg.InitialSyncChunkSize
	for i := 0; i < len(hosts); i += chunk {
		end := i + chunk
		if end > len(hosts) {
			end = len(hosts)
		}
		for j := i; j < end; j++ {
			host := hosts[j]
			if err := a.client.Send(protocol.TypeHostDiscovered, a.hostPayload(&host)); err != nil {
				a.log.Warn().Err(err).Msg("initial sync interrupted, remaining hosts resync next connect")
				return
			}
		}
		if end < len(hosts) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(flushYield):
			}
		}
	}
	a.log.Info().Int("hosts", len(hosts)).Msg("initial host sync complete")
}

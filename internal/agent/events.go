package agent

import (
	"context"
	"time"

	"github.com/kaonis/woly-node/internal/protocol"
	"github.com/kaonis/woly-node/internal/store"
)

// flushYield paces buffered batches so the socket writer keeps up.
const flushYield = 10 * time.Millisecond

// outboundEvent is one frame waiting for a registered connection.
type outboundEvent struct {
	msgType string
	payload any
}

// eventLoop consumes store lifecycle events and feeds the outbound path.
func (a *Agent) eventLoop(ctx context.Context, events <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.handleStoreEvent(ev)
		}
	}
}

func (a *Agent) handleStoreEvent(ev store.Event) {
	switch ev.Type {
	case store.EventHostDiscovered:
		a.cancelPendingUpdate(ev.Host.Name)
		a.enqueueOrSend(protocol.TypeHostDiscovered, a.hostPayload(ev.Host))
	case store.EventHostUpdated:
		a.queueHostUpdated(ev.Host)
	case store.EventHostRemoved:
		a.cancelPendingUpdate(ev.Name)
		a.enqueueOrSend(protocol.TypeHostRemoved, protocol.HostRemovedPayload{
			NodeID: a.cfg.NodeID,
			Name:   ev.Name,
		})
	case store.EventScanComplete:
		a.enqueueOrSend(protocol.TypeScanComplete, protocol.ScanCompletePayload{
			NodeID:    a.cfg.NodeID,
			HostCount: ev.HostCount,
		})
	}
}

// queueHostUpdated coalesces updates per host name: the latest state
// replaces any pending one, and a single debounce timer flushes the whole
// batch.
func (a *Agent) queueHostUpdated(host *store.Host) {
	a.mu.Lock()
	a.pendingUpdates[host.Name] = host.Clone()
	if a.debounceTimer == nil {
		a.debounceTimer = time.AfterFunc(a.cfg.HostUpdateDebounce, a.flushPendingUpdates)
	}
	a.mu.Unlock()
}

func (a *Agent) cancelPendingUpdate(name string) {
	a.mu.Lock()
	delete(a.pendingUpdates, name)
	a.mu.Unlock()
}

// flushPendingUpdates emits every coalesced update as one batch.
func (a *Agent) flushPendingUpdates() {
	a.mu.Lock()
	if a.debounceTimer != nil {
		a.debounceTimer.Stop()
		a.debounceTimer = nil
	}
	pending := a.pendingUpdates
	a.pendingUpdates = make(map[string]*store.Host)
	a.mu.Unlock()

	for _, host := range pending {
		a.enqueueOrSend(protocol.TypeHostUpdated, a.hostPayload(host))
	}
}

// enqueueOrSend sends immediately on a registered connection, otherwise
// buffers into the bounded FIFO (overflow drops oldest).
func (a *Agent) enqueueOrSend(msgType string, payload any) {
	if a.client != nil && a.client.IsRegistered() {
		err := a.client.Send(msgType, payload)
		if err == nil {
			return
		}
		a.log.Debug().Err(err).Str("type", msgType).Msg("send failed, buffering host event")
	}
	a.bufferEvent(outboundEvent{msgType: msgType, payload: payload})
}

func (a *Agent) bufferEvent(ev outboundEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.eventBuf) >= a.cfg.MaxBufferedHostEvents {
		dropped := a.eventBuf[0]
		a.eventBuf = a.eventBuf[1:]
		a.log.Warn().
			Str("dropped_type", dropped.msgType).
			Int("capacity", a.cfg.MaxBufferedHostEvents).
			Msg("host event buffer full, dropping oldest")
	}
	a.eventBuf = append(a.eventBuf, ev)
}

// flushEventBuffer drains the FIFO in paced batches.
func (a *Agent) flushEventBuffer(ctx context.Context) {
	for {
		a.mu.Lock()
		if len(a.eventBuf) == 0 {
			a.mu.Unlock()
			return
		}
		n := a.cfg.HostEventFlushBatchSize
		if n > len(a.eventBuf) {
			n = len(a.eventBuf)
		}
		batch := a.eventBuf[:n]
		a.eventBuf = append([]outboundEvent{}, a.eventBuf[n:]...)
		a.mu.Unlock()

		for i, ev := range batch {
			if err := a.client.Send(ev.msgType, ev.payload); err != nil {
				// Connection dropped mid-flush; put the unsent tail back.
				a.mu.Lock()
				a.eventBuf = append(append([]outboundEvent{}, batch[i:]...), a.eventBuf...)
				a.mu.Unlock()
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(flushYield):
		}
	}
}

// hostPayload builds the wire form of a host, normalising stale entries:
// anything unseen for longer than the stale window goes out as asleep and
// unresponsive regardless of its stored state. The stored record is not
// modified.
func (a *Agent) hostPayload(host *store.Host) protocol.HostPayload {
	payload := protocol.HostPayload{
		NodeID:         a.cfg.NodeID,
		Name:           host.Name,
		MAC:            host.MAC,
		IP:             host.IP,
		Status:         host.Status,
		Discovered:     host.Discovered,
		PingResponsive: host.PingResponsive,
		Notes:          host.Notes,
		Tags:           host.Tags,
	}
	if host.LastSeen != nil {
		s := host.LastSeen.UTC().Format(time.RFC3339)
		payload.LastSeen = &s
	}

	stale := host.LastSeen == nil || time.Since(*host.LastSeen) > a.cfg.HostStaleAfter
	if stale {
		zero := 0
		payload.Status = store.StatusAsleep
		payload.PingResponsive = &zero
	}
	return payload
}

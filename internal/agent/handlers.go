package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kaonis/woly-node/internal/command"
	"github.com/kaonis/woly-node/internal/netscan"
	"github.com/kaonis/woly-node/internal/protocol"
	"github.com/kaonis/woly-node/internal/scanner"
	"github.com/kaonis/woly-node/internal/store"
	"github.com/kaonis/woly-node/internal/wol"
)

// OnCommand dispatches a validated inbound command to the reliability
// engine with its per-type policy.
func (a *Agent) OnCommand(msgType, commandID string, data any) {
	var (
		typ  command.Type
		work command.Func
	)

	switch payload := data.(type) {
	case *protocol.WakeCommand:
		typ, work = command.TypeWake, a.wakeWork(payload)
	case *protocol.ScanCommand:
		typ, work = command.TypeScan, a.scanWork(payload)
	case *protocol.UpdateHostCommand:
		typ, work = command.TypeUpdateHost, a.updateHostWork(payload)
	case *protocol.DeleteHostCommand:
		typ, work = command.TypeDeleteHost, a.deleteHostWork(payload)
	case *protocol.PingHostCommand:
		typ, work = command.TypePingHost, a.pingHostWork(payload)
	default:
		a.log.Warn().Str("type", msgType).Msg("unhandled command payload")
		return
	}

	go a.engine.Execute(a.ctx, commandID, typ, work)
}

// deliverResult is the engine sink: results go out immediately on a
// registered connection and into the bounded result buffer otherwise.
func (a *Agent) deliverResult(commandID string, commandType command.Type, out command.Outcome, replay bool) {
	payload := protocol.CommandResultPayload{
		NodeID:    a.cfg.NodeID,
		CommandID: commandID,
		Success:   out.Success,
		Message:   out.Message,
		Error:     out.Error,
		HostPing:  out.HostPing,
		Timestamp: time.Now().UnixMilli(),
	}

	if replay {
		a.log.Debug().Str("command_id", commandID).Msg("replaying cached command result")
	}

	if a.client.IsRegistered() {
		if err := a.client.Send(protocol.TypeCommandResult, payload); err == nil {
			return
		}
	}
	a.results.Put(payload)
	a.log.Debug().
		Str("command_id", commandID).
		Str("type", string(commandType)).
		Int("buffered", a.results.Len()).
		Msg("buffered command result while disconnected")
}

// wakeWork resolves the target host and sends the magic packet.
func (a *Agent) wakeWork(cmd *protocol.WakeCommand) command.Func {
	return func(ctx context.Context) (command.Outcome, error) {
		if err := protocol.ValidateStruct(cmd); err != nil {
			return command.Outcome{}, command.NonRetryable(err)
		}
		host, err := a.store.GetByName(cmd.HostName)
		if errors.Is(err, store.ErrNotFound) {
			host, err = a.store.GetByMAC(cmd.MAC)
		}
		if errors.Is(err, store.ErrNotFound) {
			return command.Outcome{}, command.NonRetryable(
				fmt.Errorf("host %q not found by name or MAC", cmd.HostName))
		}
		if err != nil {
			return command.Outcome{}, err
		}
		if host.MAC == "" {
			return command.Outcome{}, command.NonRetryable(
				fmt.Errorf("host %q has no MAC address", host.Name))
		}

		if err := a.waker.Wake(ctx, host.MAC); err != nil {
			return command.Outcome{}, err
		}

		if a.cfg.WakeVerifyEnabled && a.verifier != nil {
			name := host.Name
			go func() {
				result := a.verifier.Verify(a.ctx, name, wol.VerifyParams{
					Enabled:      true,
					Timeout:      a.cfg.WakeVerifyTimeout,
					PollInterval: a.cfg.WakeVerifyPollInterval,
				})
				a.log.Info().
					Str("host", name).
					Str("status", string(result.Status)).
					Str("source", result.Source).
					Int("attempts", result.Attempts).
					Int64("elapsed_ms", result.ElapsedMs).
					Msg("wake verification finished")
			}()
		}

		return command.Outcome{
			Success: true,
			Message: fmt.Sprintf("Wake-on-LAN packet sent to %s (%s)", host.Name, host.MAC),
		}, nil
	}
}

// scanWork runs a scan inline or schedules it in the background.
func (a *Agent) scanWork(cmd *protocol.ScanCommand) command.Func {
	return func(ctx context.Context) (command.Outcome, error) {
		if !cmd.Immediate {
			go func() {
				if _, err := a.orchestrator.Sync(a.ctx); err != nil && !errors.Is(err, scanner.ErrScanInProgress) {
					a.log.Warn().Err(err).Msg("background scan failed")
				}
			}()
			return command.Outcome{Success: true, Message: "Background scan scheduled"}, nil
		}

		result, err := a.orchestrator.Sync(ctx)
		if errors.Is(err, scanner.ErrScanInProgress) {
			return command.Outcome{Success: false, Error: "scan already in progress"}, nil
		}
		if err != nil {
			return command.Outcome{}, err
		}
		return command.Outcome{
			Success: true,
			Message: fmt.Sprintf("Scan completed, found %d hosts", result.HostCount),
		}, nil
	}
}

// updateHostWork mutates a stored host with lifecycle suppressed and
// re-emits host-updated explicitly so the outbound frame reflects exactly
// this mutation.
func (a *Agent) updateHostWork(cmd *protocol.UpdateHostCommand) command.Func {
	return func(ctx context.Context) (command.Outcome, error) {
		if err := protocol.ValidateStruct(cmd); err != nil {
			return command.Outcome{}, command.NonRetryable(err)
		}
		currentName := cmd.CurrentName
		if currentName == "" {
			currentName = cmd.Name
		}

		patch := store.Patch{}
		if cmd.Name != "" && cmd.Name != currentName {
			name := cmd.Name
			patch.Name = &name
		}
		if cmd.MAC != "" {
			mac := cmd.MAC
			patch.MAC = &mac
		}
		if cmd.IP != "" {
			ip := cmd.IP
			patch.IP = &ip
		}
		if cmd.Status != "" {
			status := cmd.Status
			patch.Status = &status
		}
		patch.Notes = cmd.Notes
		if cmd.Tags != nil {
			tags := cmd.Tags
			patch.Tags = &tags
		}

		host, err := a.store.Update(currentName, patch, false)
		if err != nil {
			return command.Outcome{}, classifyStoreError(err)
		}

		a.store.Emit(store.Event{Type: store.EventHostUpdated, Host: host.Clone()})
		return command.Outcome{
			Success: true,
			Message: fmt.Sprintf("Host %s updated", host.Name),
		}, nil
	}
}

// deleteHostWork removes a host with lifecycle suppressed and re-emits
// host-removed explicitly.
func (a *Agent) deleteHostWork(cmd *protocol.DeleteHostCommand) command.Func {
	return func(ctx context.Context) (command.Outcome, error) {
		if err := protocol.ValidateStruct(cmd); err != nil {
			return command.Outcome{}, command.NonRetryable(err)
		}
		if err := a.store.Delete(cmd.Name, false); err != nil {
			return command.Outcome{}, classifyStoreError(err)
		}
		a.store.Emit(store.Event{Type: store.EventHostRemoved, Name: cmd.Name})
		return command.Outcome{
			Success: true,
			Message: fmt.Sprintf("Host %s removed", cmd.Name),
		}, nil
	}
}

// pingHostWork probes a host and records the observation.
func (a *Agent) pingHostWork(cmd *protocol.PingHostCommand) command.Func {
	return func(ctx context.Context) (command.Outcome, error) {
		if err := protocol.ValidateStruct(cmd); err != nil {
			return command.Outcome{}, command.NonRetryable(err)
		}
		alive := a.prober.IsHostAlive(ctx, cmd.IP)
		status := store.StatusAsleep
		pingResponsive := 0
		if alive {
			status = store.StatusAwake
			pingResponsive = 1
		}

		host, err := a.store.UpdateSeen(cmd.MAC, status, pingResponsive, true)
		if err != nil {
			return command.Outcome{}, classifyStoreError(err)
		}

		detail := &protocol.HostPing{
			HostName: cmd.HostName,
			IP:       cmd.IP,
			MAC:      host.MAC,
			Alive:    alive,
			Status:   status,
		}
		message := fmt.Sprintf("Host %s is unreachable", cmd.HostName)
		if alive {
			message = fmt.Sprintf("Host %s responded to ping", cmd.HostName)
		}
		return command.Outcome{Success: true, Message: message, HostPing: detail}, nil
	}
}

// classifyStoreError tags validation, conflict and not-found errors as
// non-retryable so they terminate a command immediately.
func classifyStoreError(err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrInvalid) {
		return command.NonRetryable(err)
	}
	return err
}

// Prober is the ICMP probe the handlers use; satisfied by netscan.Scanner.
type Prober interface {
	IsHostAlive(ctx context.Context, ip string) bool
}

var _ Prober = (*netscan.Scanner)(nil)

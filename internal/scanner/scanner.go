// Package scanner serialises network scans and reconciles discovery output
// into the host store.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kaonis/woly-node/internal/netscan"
	"github.com/kaonis/woly-node/internal/store"
)

// ErrScanInProgress is returned when a scan is requested while another one
// is still running.
var ErrScanInProgress = errors.New("scan in progress")

// Result summarises one completed scan.
type Result struct {
	HostsSeen  int // entries read from the ARP table
	HostsAdded int // previously unknown hosts created this pass
	HostCount  int // hosts in the store after the scan
}

// Discovery is the slice of netscan the orchestrator needs.
type Discovery interface {
	ScanARP(ctx context.Context) ([]netscan.DiscoveredHost, error)
	IsHostAlive(ctx context.Context, ip string) bool
}

// Config tunes scan behaviour.
type Config struct {
	PingConcurrency   int
	UsePingValidation bool
	ScanDelay         time.Duration
}

// Orchestrator runs at most one scan at a time and owns the periodic timer.
type Orchestrator struct {
	log       zerolog.Logger
	store     *store.Store
	discovery Discovery
	cfg       Config

	mu         sync.Mutex
	inProgress bool
	lastScan   time.Time

	periodicMu sync.Mutex
	stopCh     chan struct{}
}

// New creates an orchestrator.
func New(log zerolog.Logger, st *store.Store, discovery Discovery, cfg Config) *Orchestrator {
	if cfg.PingConcurrency < 1 {
		cfg.PingConcurrency = 10
	}
	return &Orchestrator{
		log:       log.With().Str("component", "scanner").Logger(),
		store:     st,
		discovery: discovery,
		cfg:       cfg,
	}
}

// IsScanInProgress reports whether a scan is currently running.
func (o *Orchestrator) IsScanInProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inProgress
}

// LastScanTime returns when the last scan terminated (success or failure);
// zero if none has run.
func (o *Orchestrator) LastScanTime() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastScan
}

// Sync runs one full scan: read the ARP table, probe liveness, reconcile
// into the store, and emit scan-complete. A concurrent call fails fast with
// ErrScanInProgress.
func (o *Orchestrator) Sync(ctx context.Context) (Result, error) {
	o.mu.Lock()
	if o.inProgress {
		o.mu.Unlock()
		return Result{}, ErrScanInProgress
	}
	o.inProgress = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inProgress = false
		o.lastScan = time.Now()
		o.mu.Unlock()
	}()

	started := time.Now()
	discovered, err := o.discovery.ScanARP(ctx)
	if err != nil {
		o.log.Error().Err(err).Msg("ARP scan failed")
		return Result{}, err
	}

	if len(discovered) == 0 {
		count, err := o.store.Count()
		if err != nil {
			return Result{}, err
		}
		o.store.Emit(store.Event{Type: store.EventScanComplete, HostCount: count})
		o.log.Info().Int("host_count", count).Msg("scan found no ARP entries")
		return Result{HostCount: count}, nil
	}

	alive := o.probeAll(ctx, discovered)

	added := 0
	for _, d := range discovered {
		status := store.StatusAwake
		pingResponsive := 0
		if alive[d.IP] {
			pingResponsive = 1
		}
		// ARP presence implies awake unless ping validation is on, in
		// which case the probe decides. pingResponsive is recorded
		// truthfully either way.
		if o.cfg.UsePingValidation && !alive[d.IP] {
			status = store.StatusAsleep
		}

		if _, err := o.store.UpdateSeen(d.MAC, status, pingResponsive, true); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("update seen %s: %w", d.MAC, err)
		}

		name := d.Hostname
		if name == "" {
			name = deviceName(d.IP)
		}
		host, err := o.store.Add(name, d.MAC, d.IP, store.AddOptions{
			Discovered:        true,
			SuppressLifecycle: true,
		})
		if err != nil {
			return Result{}, fmt.Errorf("add discovered host %s: %w", name, err)
		}
		if err := o.store.UpdateStatus(name, status); err != nil {
			return Result{}, err
		}
		host, err = o.store.UpdateSeen(d.MAC, status, pingResponsive, false)
		if err != nil {
			return Result{}, err
		}
		o.store.Emit(store.Event{Type: store.EventHostDiscovered, Host: host})
		added++
	}

	count, err := o.store.Count()
	if err != nil {
		return Result{}, err
	}
	o.store.Emit(store.Event{Type: store.EventScanComplete, HostCount: count})

	o.log.Info().
		Int("seen", len(discovered)).
		Int("added", added).
		Int("host_count", count).
		Dur("took", time.Since(started)).
		Msg("scan complete")

	return Result{HostsSeen: len(discovered), HostsAdded: added, HostCount: count}, nil
}

// probeAll ICMP-probes every discovered IP with bounded concurrency.
func (o *Orchestrator) probeAll(ctx context.Context, hosts []netscan.DiscoveredHost) map[string]bool {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		alive = make(map[string]bool, len(hosts))
		sem   = make(chan struct{}, o.cfg.PingConcurrency)
	)
	for _, d := range hosts {
		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()
			ok := o.discovery.IsHostAlive(ctx, ip)
			mu.Lock()
			alive[ip] = ok
			mu.Unlock()
		}(d.IP)
	}
	wg.Wait()
	return alive
}

// StartPeriodic schedules recurring scans. With immediate set the first
// scan starts right away in a detached goroutine, otherwise it is deferred
// by the configured scan delay. Overlap is prevented by the in-progress
// gate, so each tick is best effort.
func (o *Orchestrator) StartPeriodic(ctx context.Context, interval time.Duration, immediate bool) {
	o.periodicMu.Lock()
	defer o.periodicMu.Unlock()
	if o.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	o.stopCh = stopCh

	runOnce := func() {
		if _, err := o.Sync(ctx); err != nil && !errors.Is(err, ErrScanInProgress) {
			o.log.Warn().Err(err).Msg("periodic scan failed")
		}
	}

	if immediate {
		go runOnce()
	} else {
		delay := time.AfterFunc(o.cfg.ScanDelay, runOnce)
		go func() {
			<-stopCh
			delay.Stop()
		}()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				runOnce()
			}
		}
	}()

	o.log.Info().Dur("interval", interval).Bool("immediate", immediate).Msg("periodic scanning started")
}

// StopPeriodic cancels the periodic timer; an in-flight scan finishes.
func (o *Orchestrator) StopPeriodic() {
	o.periodicMu.Lock()
	defer o.periodicMu.Unlock()
	if o.stopCh != nil {
		close(o.stopCh)
		o.stopCh = nil
	}
}

// deviceName derives the fallback name for a host that resolved to nothing.
func deviceName(ip string) string {
	return "device-" + strings.ReplaceAll(ip, ".", "-")
}

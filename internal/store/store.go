// Package store implements the durable host store.
//
// Hosts are keyed by name with unique MAC and IP constraints. Every
// unsuppressed mutation except UpdateStatus emits a lifecycle event to
// subscribers; callers
// driving mutations on behalf of the C&C suppress emission and re-emit
// explicitly to keep wire ordering under their control.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/kaonis/woly-node/internal/netscan"
)

// Host power states.
const (
	StatusAwake  = "awake"
	StatusAsleep = "asleep"
)

// Field limits enforced on writes.
const (
	maxNameLen  = 255
	maxNotesLen = 2000
	maxTags     = 32
	maxTagLen   = 64
)

// Sentinel errors. ErrConflict wraps uniqueness violations so callers can
// distinguish them from generic failures.
var (
	ErrNotFound = errors.New("host not found")
	ErrConflict = errors.New("uniqueness conflict")
	ErrInvalid  = errors.New("invalid host field")
)

// Host is the central entity: one machine on the LAN.
type Host struct {
	Name           string
	MAC            string
	IP             string
	Status         string
	LastSeen       *time.Time
	Discovered     int
	PingResponsive *int
	Notes          string
	Tags           []string
}

// Clone returns a deep copy safe to hand to other goroutines.
func (h *Host) Clone() *Host {
	c := *h
	if h.LastSeen != nil {
		t := *h.LastSeen
		c.LastSeen = &t
	}
	if h.PingResponsive != nil {
		v := *h.PingResponsive
		c.PingResponsive = &v
	}
	c.Tags = append([]string(nil), h.Tags...)
	return &c
}

// AddOptions carries the optional fields of an Add call.
type AddOptions struct {
	Notes             string
	Tags              []string
	Discovered        bool
	SuppressLifecycle bool
}

// Patch is a partial host update; nil fields are left unchanged.
// Name renames the host.
type Patch struct {
	Name   *string
	MAC    *string
	IP     *string
	Status *string
	Notes  *string
	Tags   *[]string
}

// Store serialises writes to the hosts table and fans lifecycle events out
// to subscribers.
type Store struct {
	log  zerolog.Logger
	db   *sql.DB
	mu   sync.Mutex // serialises writes; readers see committed snapshots
	subs subscribers
	now  func() time.Time
}

// Open opens the SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS hosts (
		name            TEXT PRIMARY KEY,
		mac             TEXT NOT NULL UNIQUE,
		ip              TEXT NOT NULL UNIQUE,
		status          TEXT NOT NULL DEFAULT 'asleep',
		last_seen       DATETIME,
		discovered      INTEGER NOT NULL DEFAULT 0,
		ping_responsive INTEGER,
		notes           TEXT NOT NULL DEFAULT '',
		tags            TEXT NOT NULL DEFAULT '[]',
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_hosts_last_seen ON hosts(last_seen);
	`
	_, err := db.Exec(schema)
	return err
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
		now: time.Now,
	}
}

// Close closes subscriber channels. The database itself is owned by the
// caller that opened it.
func (s *Store) Close() {
	s.subs.closeAll()
}

// Subscribe registers a lifecycle event channel.
func (s *Store) Subscribe() <-chan Event {
	return s.subs.add(256)
}

// Emit publishes an event on behalf of a caller that mutated with
// lifecycle suppressed, or of the scan orchestrator announcing completion.
func (s *Store) Emit(ev Event) {
	if dropped := s.subs.publish(ev); dropped > 0 {
		s.log.Warn().
			Str("event", string(ev.Type)).
			Int("dropped", dropped).
			Msg("subscriber channel full, event dropped")
	}
}

// GetAll returns every host ordered by name.
func (s *Store) GetAll() ([]Host, error) {
	rows, err := s.db.Query(selectCols + ` FROM hosts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

// Count returns the number of stored hosts.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM hosts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count hosts: %w", err)
	}
	return n, nil
}

// GetByName returns the host with the given name, or ErrNotFound.
func (s *Store) GetByName(name string) (*Host, error) {
	return s.getOne(`name = ?`, name)
}

// GetByMAC returns the host with the given MAC (canonicalised), or
// ErrNotFound.
func (s *Store) GetByMAC(mac string) (*Host, error) {
	canonical, err := netscan.FormatMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return s.getOne(`mac = ?`, canonical)
}

// Add inserts a new host. The MAC is canonicalised before storage.
func (s *Store) Add(name, mac, ip string, opts AddOptions) (*Host, error) {
	canonical, err := netscan.FormatMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateIP(ip); err != nil {
		return nil, err
	}
	if err := validateNotes(opts.Notes); err != nil {
		return nil, err
	}
	if err := validateTags(opts.Tags); err != nil {
		return nil, err
	}

	discovered := 0
	if opts.Discovered {
		discovered = 1
	}
	tagsJSON, _ := json.Marshal(tagsOrEmpty(opts.Tags))

	s.mu.Lock()
	_, err = s.db.Exec(
		`INSERT INTO hosts (name, mac, ip, status, discovered, notes, tags) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		name, canonical, ip, StatusAsleep, discovered, opts.Notes, string(tagsJSON),
	)
	s.mu.Unlock()
	if err != nil {
		return nil, mapSQLError(err)
	}

	host, err := s.GetByName(name)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("name", name).Str("mac", canonical).Str("ip", ip).Msg("host added")
	if !opts.SuppressLifecycle {
		s.Emit(Event{Type: EventHostDiscovered, Host: host.Clone()})
	}
	return host, nil
}

// Update applies a partial update to the host named name. A Patch.Name
// differing from name renames the host.
func (s *Store) Update(name string, patch Patch, emitLifecycle bool) (*Host, error) {
	sets := []string{}
	args := []any{}

	if patch.Name != nil {
		if err := validateName(*patch.Name); err != nil {
			return nil, err
		}
		sets, args = append(sets, "name = ?"), append(args, *patch.Name)
	}
	if patch.MAC != nil {
		canonical, err := netscan.FormatMAC(*patch.MAC)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		sets, args = append(sets, "mac = ?"), append(args, canonical)
	}
	if patch.IP != nil {
		if err := validateIP(*patch.IP); err != nil {
			return nil, err
		}
		sets, args = append(sets, "ip = ?"), append(args, *patch.IP)
	}
	if patch.Status != nil {
		if *patch.Status != StatusAwake && *patch.Status != StatusAsleep {
			return nil, fmt.Errorf("%w: status %q", ErrInvalid, *patch.Status)
		}
		sets, args = append(sets, "status = ?"), append(args, *patch.Status)
	}
	if patch.Notes != nil {
		if err := validateNotes(*patch.Notes); err != nil {
			return nil, err
		}
		sets, args = append(sets, "notes = ?"), append(args, *patch.Notes)
	}
	if patch.Tags != nil {
		if err := validateTags(*patch.Tags); err != nil {
			return nil, err
		}
		tagsJSON, _ := json.Marshal(tagsOrEmpty(*patch.Tags))
		sets, args = append(sets, "tags = ?"), append(args, string(tagsJSON))
	}

	if len(sets) == 0 {
		// Nothing to change; still a success.
		return s.GetByName(name)
	}
	args = append(args, name)

	s.mu.Lock()
	res, err := s.db.Exec(`UPDATE hosts SET `+strings.Join(sets, ", ")+` WHERE name = ?`, args...)
	s.mu.Unlock()
	if err != nil {
		return nil, mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	finalName := name
	if patch.Name != nil {
		finalName = *patch.Name
	}
	host, err := s.GetByName(finalName)
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("name", finalName).Msg("host updated")
	if emitLifecycle {
		s.Emit(Event{Type: EventHostUpdated, Host: host.Clone()})
	}
	return host, nil
}

// Delete removes the host named name.
func (s *Store) Delete(name string, emitLifecycle bool) error {
	s.mu.Lock()
	res, err := s.db.Exec(`DELETE FROM hosts WHERE name = ?`, name)
	s.mu.Unlock()
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	s.log.Debug().Str("name", name).Msg("host removed")
	if emitLifecycle {
		s.Emit(Event{Type: EventHostRemoved, Name: name})
	}
	return nil
}

// UpdateStatus sets the power state of the host named name.
func (s *Store) UpdateStatus(name, status string) error {
	if status != StatusAwake && status != StatusAsleep {
		return fmt.Errorf("%w: status %q", ErrInvalid, status)
	}
	s.mu.Lock()
	res, err := s.db.Exec(`UPDATE hosts SET status = ? WHERE name = ?`, status, name)
	s.mu.Unlock()
	if err != nil {
		return mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return nil
}

// UpdateSeen marks the host with the given MAC as observed now, updating
// status and ping responsiveness atomically. Fails with ErrNotFound when no
// row matches.
func (s *Store) UpdateSeen(mac, status string, pingResponsive int, emitLifecycle bool) (*Host, error) {
	canonical, err := netscan.FormatMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if status != StatusAwake && status != StatusAsleep {
		return nil, fmt.Errorf("%w: status %q", ErrInvalid, status)
	}

	s.mu.Lock()
	res, err := s.db.Exec(
		`UPDATE hosts SET status = ?, ping_responsive = ?, last_seen = ?, discovered = 1 WHERE mac = ?`,
		status, pingResponsive, s.now().UTC(), canonical,
	)
	s.mu.Unlock()
	if err != nil {
		return nil, mapSQLError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: mac %q", ErrNotFound, canonical)
	}

	host, err := s.getOne(`mac = ?`, canonical)
	if err != nil {
		return nil, err
	}
	if emitLifecycle {
		s.Emit(Event{Type: EventHostUpdated, Host: host.Clone()})
	}
	return host, nil
}

const selectCols = `SELECT name, mac, ip, status, last_seen, discovered, ping_responsive, notes, tags`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(r rowScanner) (*Host, error) {
	var (
		h        Host
		lastSeen sql.NullTime
		pingResp sql.NullInt64
		tagsJSON string
	)
	if err := r.Scan(&h.Name, &h.MAC, &h.IP, &h.Status, &lastSeen, &h.Discovered, &pingResp, &h.Notes, &tagsJSON); err != nil {
		return nil, fmt.Errorf("scan host: %w", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		h.LastSeen = &t
	}
	if pingResp.Valid {
		v := int(pingResp.Int64)
		h.PingResponsive = &v
	}
	if err := json.Unmarshal([]byte(tagsJSON), &h.Tags); err != nil {
		h.Tags = nil
	}
	return &h, nil
}

func (s *Store) getOne(where string, arg any) (*Host, error) {
	row := s.db.QueryRow(selectCols+` FROM hosts WHERE `+where, arg)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, arg)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

// mapSQLError converts driver uniqueness violations into ErrConflict.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed") {
		col := "host"
		switch {
		case strings.Contains(msg, "hosts.mac"):
			col = "mac"
		case strings.Contains(msg, "hosts.ip"):
			col = "ip"
		case strings.Contains(msg, "hosts.name"):
			col = "name"
		}
		return fmt.Errorf("%w: %s already in use", ErrConflict, col)
	}
	return err
}

func validateName(name string) error {
	if name == "" || len(name) > maxNameLen {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalid, maxNameLen)
	}
	return nil
}

func validateIP(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("%w: ip %q is not IPv4", ErrInvalid, ip)
	}
	return nil
}

func validateNotes(notes string) error {
	if len(notes) > maxNotesLen {
		return fmt.Errorf("%w: notes exceed %d characters", ErrInvalid, maxNotesLen)
	}
	return nil
}

func validateTags(tags []string) error {
	if len(tags) > maxTags {
		return fmt.Errorf("%w: more than %d tags", ErrInvalid, maxTags)
	}
	for _, tag := range tags {
		if tag == "" || len(tag) > maxTagLen {
			return fmt.Errorf("%w: tag must be 1-%d characters", ErrInvalid, maxTagLen)
		}
	}
	return nil
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

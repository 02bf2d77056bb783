// Package netscan reads the system ARP table and probes LAN hosts.
//
// Discovery is deliberately unprivileged: the ARP cache is primed with a
// broadcast ping, read back with `arp -a`, and liveness uses the OS ping
// utility, so the node runs without raw-socket capabilities.
package netscan

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DiscoveredHost is one ARP table entry with an optionally resolved name.
type DiscoveredHost struct {
	IP       string
	MAC      string
	Hostname string
}

// arpTimeout bounds the arp -a subprocess.
const arpTimeout = 30 * time.Second

// Scanner reads the ARP table and resolves hostnames.
type Scanner struct {
	log         zerolog.Logger
	pingTimeout time.Duration

	// Injectable for tests.
	goos       string
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookupAddr func(ctx context.Context, ip string) ([]string, error)
}

// NewScanner creates a scanner with the given ICMP timeout.
func NewScanner(log zerolog.Logger, pingTimeout time.Duration) *Scanner {
	return &Scanner{
		log:         log.With().Str("component", "netscan").Logger(),
		pingTimeout: pingTimeout,
		goos:        runtime.GOOS,
		runCommand:  runCommand,
		lookupAddr: func(ctx context.Context, ip string) ([]string, error) {
			return net.DefaultResolver.LookupAddr(ctx, ip)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// ScanARP primes and reads the system ARP table, returning every complete
// entry with its hostname resolved where possible.
func (s *Scanner) ScanARP(ctx context.Context) ([]DiscoveredHost, error) {
	s.primeARPCache(ctx)

	arpCtx, cancel := context.WithTimeout(ctx, arpTimeout)
	defer cancel()

	out, err := s.runCommand(arpCtx, "arp", "-a")
	if err != nil {
		return nil, fmt.Errorf("arp -a: %w", err)
	}

	entries := parseARPOutput(s.goos, string(out))
	hosts := make([]DiscoveredHost, 0, len(entries))
	for _, e := range entries {
		mac, err := FormatMAC(e.mac)
		if err != nil {
			s.log.Debug().Str("raw", e.mac).Msg("skipping unparseable MAC")
			continue
		}
		if mac == "FF:FF:FF:FF:FF:FF" {
			continue
		}
		hosts = append(hosts, DiscoveredHost{
			IP:       e.ip,
			MAC:      mac,
			Hostname: s.resolveHostname(ctx, e.ip, e.name),
		})
	}
	s.log.Debug().Int("hosts", len(hosts)).Msg("ARP scan complete")
	return hosts, nil
}

// primeARPCache broadcast-pings the local segment so the ARP table is warm
// before it is read. Best effort; only meaningful on macOS and Linux.
func (s *Scanner) primeARPCache(ctx context.Context) {
	bcast := broadcastAddr()
	if bcast == "" {
		return
	}
	primeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch s.goos {
	case "darwin":
		_, err = s.runCommand(primeCtx, "ping", "-c", "2", "-t", "1", bcast)
	case "linux":
		_, err = s.runCommand(primeCtx, "ping", "-b", "-c", "2", "-W", "1", bcast)
	default:
		return
	}
	if err != nil {
		// Broadcast pings commonly exit non-zero; the side effect on the
		// ARP cache is what matters.
		s.log.Debug().Err(err).Str("broadcast", bcast).Msg("broadcast ping returned error")
	}
}

// broadcastAddr derives the directed broadcast address of the first
// non-internal IPv4 interface.
func broadcastAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == 16 {
				mask = mask[12:]
			}
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ip4[i] | ^mask[i]
			}
			return bcast.String()
		}
	}
	return ""
}

type arpEntry struct {
	name string
	ip   string
	mac  string
}

// Unix arp -a lines look like:
//
//	hostname (192.168.1.10) at 0:1f:a2:3:44:55 on en0 ifscope [ethernet]
//
// One or two hex digits per octet tolerates macOS's short octets.
var unixARPLine = regexp.MustCompile(`^(\S+) \((\d{1,3}(?:\.\d{1,3}){3})\) at ([0-9a-fA-F]{1,2}(?::[0-9a-fA-F]{1,2}){5})\b`)

// Windows arp -a lines look like:
//
//	192.168.1.10          aa-bb-cc-dd-ee-ff     dynamic
var windowsARPLine = regexp.MustCompile(`^\s*(\d{1,3}(?:\.\d{1,3}){3})\s+([0-9a-fA-F]{2}(?:-[0-9a-fA-F]{2}){5})\s+(dynamic|static)`)

func parseARPOutput(goos, out string) []arpEntry {
	var entries []arpEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if goos == "windows" {
			if m := windowsARPLine.FindStringSubmatch(line); m != nil {
				entries = append(entries, arpEntry{ip: m[1], mac: m[2]})
			}
			continue
		}
		if strings.Contains(line, "(incomplete)") {
			continue
		}
		if m := unixARPLine.FindStringSubmatch(line); m != nil {
			entries = append(entries, arpEntry{name: m[1], ip: m[2], mac: m[3]})
		}
	}
	return entries
}

// resolveHostname picks the first usable name: the ARP-provided one, then
// reverse DNS, then NetBIOS.
func (s *Scanner) resolveHostname(ctx context.Context, ip, arpName string) string {
	if usableName(arpName) {
		return arpName
	}
	if name := s.reverseDNS(ctx, ip); name != "" {
		return name
	}
	return s.netbiosName(ctx, ip)
}

func usableName(name string) bool {
	if name == "" || name == "?" {
		return false
	}
	if strings.EqualFold(name, "unknown") {
		return false
	}
	if net.ParseIP(name) != nil {
		return false
	}
	return true
}

func (s *Scanner) reverseDNS(ctx context.Context, ip string) string {
	dnsCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	names, err := s.lookupAddr(dnsCtx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	name := strings.TrimSuffix(names[0], ".")
	if usableName(name) {
		return name
	}
	return ""
}

// netbiosName queries the host's NetBIOS name table. Windows ships
// nbtstat, Linux commonly has nmblookup from samba; macOS has neither.
func (s *Scanner) netbiosName(ctx context.Context, ip string) string {
	nbCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var out []byte
	var err error
	switch s.goos {
	case "windows":
		out, err = s.runCommand(nbCtx, "nbtstat", "-A", ip)
	case "linux":
		out, err = s.runCommand(nbCtx, "nmblookup", "-A", ip)
	default:
		return ""
	}
	if err != nil {
		return ""
	}
	return parseNetBIOSOutput(s.goos, string(out))
}

var netbiosEntry = regexp.MustCompile(`^\s*(\S+)\s*<00>\s+(?:UNIQUE|B?\s*<ACTIVE>|-\s+B\s+<ACTIVE>)`)

func parseNetBIOSOutput(goos, out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.Contains(line, "<00>") || strings.Contains(line, "<GROUP>") {
			continue
		}
		if m := netbiosEntry.FindStringSubmatch(line); m != nil {
			name := strings.TrimSpace(m[1])
			if usableName(name) {
				return name
			}
		}
	}
	return ""
}

// IsHostAlive runs one ICMP round against ip. Errors and timeouts map to
// false.
func (s *Scanner) IsHostAlive(ctx context.Context, ip string) bool {
	if net.ParseIP(ip) == nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout+time.Second)
	defer cancel()

	var args []string
	switch s.goos {
	case "windows":
		args = []string{"-n", "1", "-w", strconv.Itoa(msAtLeastOne(s.pingTimeout))}
	case "darwin":
		args = []string{"-c", "1", "-W", strconv.Itoa(msAtLeastOne(s.pingTimeout))}
	default:
		seconds := int(s.pingTimeout.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		args = []string{"-c", "1", "-W", strconv.Itoa(seconds)}
	}
	args = append(args, ip)

	out, err := s.runCommand(pingCtx, "ping", args...)
	if err != nil {
		return false
	}
	// Windows ping exits 0 on "Destination host unreachable".
	if s.goos == "windows" && bytes.Contains(out, []byte("unreachable")) {
		return false
	}
	return true
}

func msAtLeastOne(d time.Duration) int {
	ms := int(d.Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return ms
}

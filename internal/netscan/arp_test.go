package netscan

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const darwinARP = `router.lan (192.168.1.1) at 0:1f:a2:3:44:1 on en0 ifscope [ethernet]
? (192.168.1.10) at aa:bb:cc:dd:ee:ff on en0 ifscope [ethernet]
? (192.168.1.42) at (incomplete) on en0 ifscope [ethernet]
? (224.0.0.251) at 1:0:5e:0:0:fb on en0 ifscope permanent [ethernet]
? (192.168.1.255) at ff:ff:ff:ff:ff:ff on en0 ifscope [ethernet]
`

const windowsARP = `
Interface: 192.168.1.5 --- 0xb
  Internet Address      Physical Address      Type
  192.168.1.1           00-1f-a2-03-44-01     dynamic
  192.168.1.10          aa-bb-cc-dd-ee-ff     dynamic
  192.168.1.255         ff-ff-ff-ff-ff-ff     static
  224.0.0.22            01-00-5e-00-00-16     static
`

func TestParseARPOutputUnix(t *testing.T) {
	entries := parseARPOutput("darwin", darwinARP)
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].name != "router.lan" || entries[0].ip != "192.168.1.1" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	// Short octets are tolerated; canonicalisation happens later.
	if entries[0].mac != "0:1f:a2:3:44:1" {
		t.Errorf("unexpected MAC: %q", entries[0].mac)
	}
	for _, e := range entries {
		if strings.Contains(e.mac, "incomplete") {
			t.Errorf("incomplete entry not skipped: %+v", e)
		}
	}
}

func TestParseARPOutputWindows(t *testing.T) {
	entries := parseARPOutput("windows", windowsARP)
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].ip != "192.168.1.1" || entries[0].mac != "00-1f-a2-03-44-01" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
}

func TestScanARPFiltersBroadcast(t *testing.T) {
	s := testScanner()
	s.goos = "windows"
	s.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "arp" {
			return nil, errors.New("unexpected command " + name)
		}
		return []byte(windowsARP), nil
	}

	hosts, err := s.ScanARP(context.Background())
	if err != nil {
		t.Fatalf("ScanARP: %v", err)
	}
	// Broadcast MAC is filtered; the multicast row survives parsing but
	// carries a canonical MAC.
	if len(hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %d: %+v", len(hosts), hosts)
	}
	for _, h := range hosts {
		if h.MAC == "FF:FF:FF:FF:FF:FF" {
			t.Errorf("broadcast MAC not filtered: %+v", h)
		}
		if h.MAC != strings.ToUpper(h.MAC) {
			t.Errorf("MAC not canonicalised: %q", h.MAC)
		}
	}
}

func TestResolveHostnamePrefersARPName(t *testing.T) {
	s := testScanner()
	s.lookupAddr = func(ctx context.Context, ip string) ([]string, error) {
		t.Error("reverse DNS should not run when the ARP name is usable")
		return nil, nil
	}
	if got := s.resolveHostname(context.Background(), "192.168.1.1", "router.lan"); got != "router.lan" {
		t.Errorf("got %q, want router.lan", got)
	}
}

func TestResolveHostnameFallsBackToReverseDNS(t *testing.T) {
	s := testScanner()
	s.lookupAddr = func(ctx context.Context, ip string) ([]string, error) {
		return []string{"nas.home.arpa."}, nil
	}
	for _, arpName := range []string{"?", "", "unknown", "192.168.1.10"} {
		if got := s.resolveHostname(context.Background(), "192.168.1.10", arpName); got != "nas.home.arpa" {
			t.Errorf("arpName=%q: got %q, want nas.home.arpa", arpName, got)
		}
	}
}

func TestResolveHostnameNetBIOSFallback(t *testing.T) {
	s := testScanner()
	s.goos = "linux"
	s.lookupAddr = func(ctx context.Context, ip string) ([]string, error) {
		return nil, errors.New("no PTR record")
	}
	s.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "nmblookup" {
			return nil, errors.New("unexpected command " + name)
		}
		return []byte("Looking up status of 192.168.1.10\n\tOFFICE-PC       <00> -         B <ACTIVE>\n\tWORKGROUP       <00> - <GROUP> B <ACTIVE>\n"), nil
	}
	if got := s.resolveHostname(context.Background(), "192.168.1.10", "?"); got != "OFFICE-PC" {
		t.Errorf("got %q, want OFFICE-PC", got)
	}
}

func TestParseNetBIOSOutputWindows(t *testing.T) {
	out := `
           NetBIOS Remote Machine Name Table

       Name               Type         Status
    ---------------------------------------------
    OFFICE-PC      <00>  UNIQUE      Registered
    WORKGROUP      <00>  GROUP       Registered
`
	if got := parseNetBIOSOutput("windows", out); got != "OFFICE-PC" {
		t.Errorf("got %q, want OFFICE-PC", got)
	}
}

func TestIsHostAlive(t *testing.T) {
	s := testScanner()
	s.goos = "linux"

	s.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("1 packets transmitted, 1 received"), nil
	}
	if !s.IsHostAlive(context.Background(), "192.168.1.10") {
		t.Error("expected alive on ping success")
	}

	s.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}
	if s.IsHostAlive(context.Background(), "192.168.1.10") {
		t.Error("expected not alive on ping failure")
	}

	if s.IsHostAlive(context.Background(), "not-an-ip") {
		t.Error("expected not alive for invalid IP")
	}
}

func testScanner() *Scanner {
	s := NewScanner(zerolog.Nop(), 2*time.Second)
	s.lookupAddr = func(ctx context.Context, ip string) ([]string, error) {
		return nil, errors.New("no resolver in tests")
	}
	s.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("no commands in tests")
	}
	return s
}

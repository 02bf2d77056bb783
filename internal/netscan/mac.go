package netscan

import (
	"fmt"
	"strings"
)

// FormatMAC canonicalises a hardware address to uppercase colon form,
// zero-padding short octets (macOS arp output may print "0:1f:a2:3:44:55").
func FormatMAC(mac string) (string, error) {
	cleaned := strings.TrimSpace(mac)
	if cleaned == "" {
		return "", fmt.Errorf("empty MAC address")
	}
	cleaned = strings.ReplaceAll(cleaned, "-", ":")
	parts := strings.Split(cleaned, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("MAC %q does not have 6 octets", mac)
	}
	out := make([]string, 6)
	for i, p := range parts {
		if len(p) == 0 || len(p) > 2 || !isHex(p) {
			return "", fmt.Errorf("MAC %q has invalid octet %q", mac, p)
		}
		if len(p) == 1 {
			p = "0" + p
		}
		out[i] = strings.ToUpper(p)
	}
	return strings.Join(out, ":"), nil
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

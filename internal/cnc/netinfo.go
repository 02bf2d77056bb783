package cnc

import (
	"fmt"
	"net"

	"github.com/kaonis/woly-node/internal/protocol"
)

// localNetworkInfo derives subnet and gateway from the first non-internal
// IPv4 interface. The gateway is assumed at .1, which holds on the home and
// office LANs this node targets; anything better needs a routing table read.
func localNetworkInfo() protocol.NetworkInfo {
	fallback := protocol.NetworkInfo{Subnet: "0.0.0.0/0", Gateway: "0.0.0.0"}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fallback
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
			var ip4 net.IP
			subnet := ""
			switch a := addr.(type) {
			case *net.IPNet:
				ip4 = a.IP.To4()
				if ip4 != nil {
					subnet = a.String()
				}
			case *net.IPAddr:
				ip4 = a.IP.To4()
				if ip4 != nil {
					subnet = ip4.String() + "/24"
				}
			}
			if ip4 == nil {
				continue
			}
			return protocol.NetworkInfo{
				Subnet:  subnet,
				Gateway: fmt.Sprintf("%d.%d.%d.1", ip4[0], ip4[1], ip4[2]),
			}
		}
	}
	return fallback
}

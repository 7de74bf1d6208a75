// Package privacy keeps personally identifying data out of logs.
package privacy

import (
	"fmt"
	"net"
)

// AnonymizeIP masks the host-identifying portion of an address before it is
// logged. IPv4 keeps the /24 network ("198.51.100.47" becomes
// "198.51.100.0"); IPv6 keeps the /48 prefix. Block records and counters
// store the full address; only log output goes through this.
//
// Returns "unknown" for empty input and "invalid" when the address does not
// parse.
func AnonymizeIP(ip string) string {
	if ip == "" || ip == "unknown" {
		return "unknown"
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "invalid"
	}

	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}

	// 16-byte IPv6, /48 prefix is the first 6 bytes.
	return fmt.Sprintf("%02x%02x:%02x%02x:%02x%02x::",
		parsed[0], parsed[1],
		parsed[2], parsed[3],
		parsed[4], parsed[5])
}

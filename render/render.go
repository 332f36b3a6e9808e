package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Identity is written in the header of every generated file.
const Identity = "abuseip-blocker"

// DefaultVariable is the nginx variable set by the geo map.
const DefaultVariable = "blocked_ip"

// ErrEmpty is returned when there is nothing to block.
var ErrEmpty = errors.New("no IP addresses to configure")

// Geo returns the nginx geo map flagging every given address.
func Geo(ips []string, variable string, now time.Time) (string, error) {
	if len(ips) == 0 {
		return "", ErrEmpty
	}

	var b strings.Builder
	b.Grow(64*len(ips) + 256)

	fmt.Fprintf(&b, "# AbuseIPDB Geo Configuration\n")
	fmt.Fprintf(&b, "# Generated by: %s\n", Identity)
	fmt.Fprintf(&b, "# Generated on: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "# Total blocked IPs: %d\n", len(ips))
	b.WriteString("\n")
	fmt.Fprintf(&b, "geo $%s {\n", variable)
	b.WriteString("    default 0;\n")
	for _, ip := range ips {
		b.WriteString("    ")
		b.WriteString(ip)
		b.WriteString(" 1;\n")
	}
	b.WriteString("}\n")

	return b.String(), nil
}

// Block returns the server-level rule rejecting requests flagged by the geo map of geoFile.
func Block(variable, geoFile string) string {
	return fmt.Sprintf(`# AbuseIPDB Block Configuration
# Generated by: %[1]s
# This file uses the $%[2]s variable from %[3]s

# Block requests from IPs in the AbuseIPDB blocklist
if ($%[2]s) {
    return 403 "Access denied - IP blocked by AbuseIPDB";
}
`, Identity, variable, geoFile)
}

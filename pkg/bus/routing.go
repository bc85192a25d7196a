package bus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ctrlsam/rigour/pkg/host"
)

// Routing key wildcards: "*" matches exactly one segment, "#" matches zero or
// more segments.
const (
	WildcardOne  = "*"
	WildcardMany = "#"
)

// Key is the concrete routing key <country>.<port>.<ip>.<stage>. IPv4
// addresses contribute four segments of their own, which is why subscription
// patterns use "#" around them.
type Key struct {
	Country string
	Port    int
	IP      string
	Stage   string
}

func (k Key) String() string {
	country := k.Country
	if country == "" {
		country = host.UnknownCountry
	}
	return fmt.Sprintf("%s.%d.%s.%s", country, k.Port, k.IP, k.Stage)
}

// KeyFor builds the routing key for a message published by stage.
func KeyFor(m *host.Message, stage string) string {
	return Key{Country: m.Country(), Port: m.Port, IP: m.IP, Stage: stage}.String()
}

// PortPattern subscribes to discovery messages for one port, or for every
// port when port is 0.
func PortPattern(port int) string {
	p := WildcardMany
	if port > 0 {
		p = strconv.Itoa(port)
	}
	return fmt.Sprintf("%s.%s.%s.%s", WildcardMany, p, WildcardMany, host.StagePort)
}

// Match reports whether key matches pattern using topic exchange rules.
func Match(pattern, key string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchSegments(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case WildcardMany:
			rest := p[1:]
			for len(rest) > 0 && rest[0] == WildcardMany {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchSegments(rest, k[i:]) {
					return true
				}
			}
			return false
		case WildcardOne:
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || k[0] != p[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}

// Package netutil parses the network and port specifications handed to the
// discovery stage and filters addresses that are not worth probing.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// ParseNetworks validates a list of CIDR blocks or single addresses and
// returns them in canonical form, deduplicated, in input order. Single
// addresses are kept as-is; zmap accepts both forms.
func ParseNetworks(specs []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})

	for _, s := range specs {
		for _, part := range strings.Split(s, ",") {
			target := strings.TrimSpace(part)
			if target == "" {
				continue
			}

			var canonical string
			if strings.Contains(target, "/") {
				_, ipNet, err := net.ParseCIDR(target)
				if err != nil {
					return nil, fmt.Errorf("invalid network %q: %w", target, err)
				}
				canonical = ipNet.String()
			} else {
				ip := net.ParseIP(target)
				if ip == nil {
					return nil, fmt.Errorf("invalid network %q: not an address or CIDR block", target)
				}
				canonical = ip.String()
			}

			if _, found := seen[canonical]; !found {
				out = append(out, canonical)
				seen[canonical] = struct{}{}
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no networks given")
	}
	return out, nil
}

// IsScanable reports whether ip is a useful probe target. Multicast,
// unspecified and link-local addresses are rejected.
func IsScanable(ip net.IP) bool {
	return ip != nil &&
		!ip.IsMulticast() &&
		!ip.IsUnspecified() &&
		!ip.IsLinkLocalUnicast() && // 169.254.x.x, fe80::/10
		!ip.IsLinkLocalMulticast()
}

// ParsePortString parses a comma-separated string of ports and port ranges
// into a slice of unique integers, sorted.
// Example: "80,443,1000-1002,22" -> [22, 80, 443, 1000, 1001, 1002]
func ParsePortString(portStr string) ([]int, error) {
	if strings.TrimSpace(portStr) == "" {
		return []int{}, nil
	}

	seenPorts := make(map[int]struct{})
	var ports []int

	for _, part := range strings.Split(portStr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") { // Port range
			rangeParts := strings.SplitN(part, "-", 2)
			startStr, endStr := strings.TrimSpace(rangeParts[0]), strings.TrimSpace(rangeParts[1])

			start, err := strconv.Atoi(startStr)
			if err != nil {
				return nil, fmt.Errorf("invalid start port in range '%s': %w", part, err)
			}
			end, err := strconv.Atoi(endStr)
			if err != nil {
				return nil, fmt.Errorf("invalid end port in range '%s': %w", part, err)
			}

			if start < 0 || start > 65535 || end < 0 || end > 65535 {
				return nil, fmt.Errorf("port numbers in range '%s' must be between 0 and 65535", part)
			}
			if start > end {
				return nil, fmt.Errorf("start port %d cannot be greater than end port %d in range '%s'", start, end, part)
			}

			for i := start; i <= end; i++ {
				if _, found := seenPorts[i]; !found {
					ports = append(ports, i)
					seenPorts[i] = struct{}{}
				}
			}
			continue
		}

		port, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid port number '%s': %w", part, err)
		}
		if port < 0 || port > 65535 {
			return nil, fmt.Errorf("port number '%d' must be between 0 and 65535", port)
		}
		if _, found := seenPorts[port]; !found {
			ports = append(ports, port)
			seenPorts[port] = struct{}{}
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// FormatPorts renders ports as a comma-separated list.
func FormatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

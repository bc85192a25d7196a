// Package host defines the messages exchanged between pipeline stages and the
// document each stage contributes to.
package host

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Stage names used as the last routing key segment.
const (
	StagePort   = "port"
	StageBanner = "banner"
	StageVuln   = "vuln"
)

// UnknownCountry is used when a host could not be geolocated.
const UnknownCountry = "?"

// Location is the geolocation attached by the discovery stage.
type Location struct {
	CountryCode    string   `json:"country_code,omitempty" msgpack:"country_code,omitempty"`
	ContinentName  string   `json:"continent_name,omitempty" msgpack:"continent_name,omitempty"`
	CountryName    string   `json:"country_name,omitempty" msgpack:"country_name,omitempty"`
	AccuracyRadius *int     `json:"accuracy_radius,omitempty" msgpack:"accuracy_radius,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty" msgpack:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty" msgpack:"longitude,omitempty"`
}

// Banner is the protocol response captured for one service. Port is nil when
// the grabber was not pinned to a port.
type Banner struct {
	Service string         `json:"service" msgpack:"service"`
	Port    *int           `json:"port" msgpack:"port"`
	Data    map[string]any `json:"data" msgpack:"data"`
}

// Vulnerability is one signature match reported by the vulnerability stage.
type Vulnerability struct {
	Name    string `json:"name" msgpack:"name"`
	Title   string `json:"title" msgpack:"title"`
	Version string `json:"version" msgpack:"version"`
	Link    string `json:"link" msgpack:"link"`
}

// Host carries what the stages learned about the address so far.
type Host struct {
	Location        Location        `json:"location" msgpack:"location"`
	Banner          *Banner         `json:"banner,omitempty" msgpack:"banner,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty" msgpack:"vulnerabilities,omitempty"`
}

// Message is the envelope published on the bus by every stage.
type Message struct {
	IP   string `json:"ip" msgpack:"ip"`
	Port int    `json:"port" msgpack:"port"`
	Host Host   `json:"host" msgpack:"host"`
}

// Stage reports which variant the message is, based on the fields present.
func (m *Message) Stage() string {
	switch {
	case len(m.Host.Vulnerabilities) > 0:
		return StageVuln
	case m.Host.Banner != nil:
		return StageBanner
	default:
		return StagePort
	}
}

// Country returns the routing country segment, falling back to UnknownCountry.
func (m *Message) Country() string {
	if m.Host.Location.CountryCode == "" {
		return UnknownCountry
	}
	return m.Host.Location.CountryCode
}

// Validate checks the invariants every stage relies on.
func (m *Message) Validate() error {
	if m.IP == "" {
		return errors.New("ip is required")
	}
	if net.ParseIP(m.IP) == nil {
		return fmt.Errorf("invalid ip %q", m.IP)
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("invalid port %d", m.Port)
	}
	if b := m.Host.Banner; b != nil && b.Service == "" {
		return errors.New("banner service is required")
	}
	return nil
}

// Clone returns a copy whose banner and vulnerability list can be modified
// without affecting m.
func (m Message) Clone() Message {
	out := m
	if m.Host.Banner != nil {
		b := *m.Host.Banner
		out.Host.Banner = &b
	}
	if m.Host.Vulnerabilities != nil {
		out.Host.Vulnerabilities = append([]Vulnerability(nil), m.Host.Vulnerabilities...)
	}
	return out
}

// Record is the stored document for one address. Each stage owns a subset of
// the fields; FirstSeen is written once.
type Record struct {
	IP              string            `json:"ip"`
	Location        Location          `json:"location"`
	Banners         map[string]Banner `json:"banners"`
	Vulnerabilities []Vulnerability   `json:"vulnerabilities"`
	FirstSeen       time.Time         `json:"first_seen"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

package v1

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/server/api"
	"github.com/ctrlsam/rigour/pkg/storage"
)

// DTO Evolution Policy
// The response payloads handled in this file are part of the public API
// contract. New fields are optional and additive; removing or renaming a
// field requires a new API version (v2).

const (
	defaultLimit = 50
	maxLimit     = 100
)

var errNoStore = errors.New("no storage backend configured")

// ListHostsQuery holds the validated query of GET /api/v1/hosts.
type ListHostsQuery struct {
	Limit  int
	Cursor string
	Filter storage.HostFilter
}

// ParseListHostsQuery validates limit, cursor, country, service and port.
func ParseListHostsQuery(r *http.Request) (ListHostsQuery, error) {
	q := r.URL.Query()
	out := ListHostsQuery{Limit: defaultLimit, Cursor: q.Get("cursor")}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return out, fmt.Errorf("limit must be an integer: %q", raw)
		}
		if limit < 1 || limit > maxLimit {
			return out, fmt.Errorf("limit must be between 1 and %d", maxLimit)
		}
		out.Limit = limit
	}

	out.Filter.CountryCode = strings.ToUpper(strings.TrimSpace(q.Get("country")))
	out.Filter.Service = strings.TrimSpace(q.Get("service"))

	if raw := q.Get("port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			return out, fmt.Errorf("port must be between 1 and 65535: %q", raw)
		}
		out.Filter.Port = port
	}
	return out, nil
}

// ListHostsHandler handles GET /api/v1/hosts
//
// Returns host summaries, most recently updated first, with cursor-based
// pagination.
//
// Query parameters:
//   - limit: Number of results per page (1-100, default 50)
//   - cursor: Pagination cursor (empty for first page)
//   - country: Filter by country code ("?" for unlocated hosts)
//   - service: Filter by grabbed service name
//   - port: Filter by the port a banner was grabbed on
//
// Response format:
//
//	{
//	  "hosts": [
//	    {"ip": "192.0.2.1", "country_code": "NZ", "services": ["http"], "vulnerabilities": 0,
//	     "first_seen": "2024-01-01T00:00:00Z", "updated_at": "2024-01-02T00:00:00Z"}
//	  ],
//	  "next_cursor": "eyJpcCI6IjE5Mi4wLjIuMSIsInRzIjoxNzA0MTU4NDAwMDAwMDAwMDAwfQ",
//	  "total": 1
//	}
func ListHostsHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query, qerr := ParseListHostsQuery(r)
		if qerr != nil {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_QUERY", qerr.Error())
			return
		}
		if deps.Store == nil {
			api.WriteError(w, r, errNoStore)
			return
		}

		ctx, cancel := handlerContext(r.Context(), deps.Config)
		defer cancel()

		records, next, total, err := deps.Store.List(ctx, query.Filter, query.Cursor, query.Limit)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}

		hosts := make([]api.HostSummary, 0, len(records))
		for _, rec := range records {
			hosts = append(hosts, summarize(rec))
		}
		api.WriteJSON(w, http.StatusOK, api.HostList{
			Hosts:      hosts,
			NextCursor: next,
			Total:      total,
		})
	}
}

// GetHostHandler handles GET /api/v1/hosts/{ip}
//
// Returns the stored record: location, banners per service,
// vulnerabilities, first_seen and updated_at.
//
// Returns 400 if ip is not an address and 404 if no stage has written it.
func GetHostHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.PathValue("ip")
		if raw == "" {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "IP_REQUIRED", "host ip is required")
			return
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_IP", fmt.Sprintf("%q is not an IP address", raw))
			return
		}
		if deps.Store == nil {
			api.WriteError(w, r, errNoStore)
			return
		}

		ctx, cancel := handlerContext(r.Context(), deps.Config)
		defer cancel()

		rec, err := deps.Store.Get(ctx, ip.String())
		if err != nil {
			api.WriteError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, rec)
	}
}

func handlerContext(ctx context.Context, cfg api.Config) (context.Context, context.CancelFunc) {
	if cfg.HandlerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.HandlerTimeout)
}

func summarize(rec *host.Record) api.HostSummary {
	services := make([]string, 0, len(rec.Banners))
	for name := range rec.Banners {
		services = append(services, name)
	}
	sort.Strings(services)

	return api.HostSummary{
		IP:          rec.IP,
		CountryCode: rec.Location.CountryCode,
		Services:    services,
		Vulns:       len(rec.Vulnerabilities),
		FirstSeen:   rec.FirstSeen,
		UpdatedAt:   rec.UpdatedAt,
	}
}

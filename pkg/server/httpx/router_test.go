package httpx

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/ctrlsam/rigour/pkg/config"
	"github.com/ctrlsam/rigour/pkg/host"
	"github.com/ctrlsam/rigour/pkg/server/api"
	"github.com/ctrlsam/rigour/pkg/storage"
)

type fakeStore struct {
	storage.HostStore
	panicOnList bool
}

func (f *fakeStore) List(ctx context.Context, filter storage.HostFilter, cursor string, limit int) ([]*host.Record, string, int, error) {
	if f.panicOnList {
		panic("boom")
	}
	return []*host.Record{{IP: "192.0.2.1"}}, "", 1, nil
}

func (f *fakeStore) Get(ctx context.Context, ip string) (*host.Record, error) {
	if ip == "192.0.2.1" {
		return &host.Record{IP: ip}, nil
	}
	return nil, storage.NewNotFoundError("host", ip)
}

func newTestRouter(store storage.HostStore, ready bool) http.Handler {
	deps := &api.Deps{
		Store:  store,
		Ready:  &atomic.Bool{},
		Config: api.DefaultConfig(),
	}
	deps.Ready.Store(ready)
	return NewRouter(config.DefaultServerConfig(), deps)
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestNewRouter_HealthzMounted(t *testing.T) {
	w := serve(newTestRouter(nil, false), http.MethodGet, "/healthz")

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())
}

func TestHealthzHandler_AlwaysReturnsOK(t *testing.T) {
	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()

		HealthzHandler(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "OK", w.Body.String())
	}
}

func TestNewRouter_Readyz(t *testing.T) {
	require.Equal(t, http.StatusServiceUnavailable, serve(newTestRouter(nil, false), http.MethodGet, "/readyz").Code)
	require.Equal(t, http.StatusOK, serve(newTestRouter(nil, true), http.MethodGet, "/readyz").Code)
}

func TestNewRouter_HostRoutes(t *testing.T) {
	router := newTestRouter(&fakeStore{}, true)

	w := serve(router, http.MethodGet, "/api/v1/hosts")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "192.0.2.1")

	w = serve(router, http.MethodGet, "/api/v1/hosts/192.0.2.1")
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(router, http.MethodGet, "/api/v1/hosts/192.0.2.2")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = serve(router, http.MethodGet, "/api/v1/unknown")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewRouter_ReadOnly(t *testing.T) {
	router := newTestRouter(&fakeStore{}, true)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		w := serve(router, method, "/api/v1/hosts/192.0.2.1")
		require.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
	}
}

func TestNewRouter_CORS(t *testing.T) {
	router := newTestRouter(&fakeStore{}, true)

	w := serve(router, http.MethodGet, "/api/v1/hosts")
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))

	w = serve(router, http.MethodOptions, "/api/v1/hosts")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestNewRouter_RecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	router := newTestRouter(&fakeStore{panicOnList: true}, true)

	w := serve(router, http.MethodGet, "/api/v1/hosts")
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, buf.String(), "Recovered from handler panic")
}

func TestNewRouter_WarnsWithoutStore(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.InfoLevel)
	t.Cleanup(func() { log.Logger = prev })

	_ = newTestRouter(nil, true)

	require.Contains(t, buf.String(), "Host store not provided")
	require.Contains(t, buf.String(), "httpx.router")
}

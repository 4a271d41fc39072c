package statussrv_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/shardmgr"
	"github.com/clxdb/clxdb/pkg/statussrv"
	"github.com/clxdb/clxdb/pkg/storage/local"
	"github.com/clxdb/clxdb/pkg/syncengine"
)

func newTestServer(t *testing.T) *statussrv.Server {
	t.Helper()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, crypto.NoopEnvelope{})
	_, err = mgr.Open(t.Context())
	require.NoError(t, err)

	shardMgr := shardmgr.New(backend, crypto.NoopEnvelope{}, nil)
	engine := syncengine.New(syncengine.DefaultConfig(), mgr, shardMgr, nil, nil)

	registry := promclient.NewRegistry()

	return statussrv.New(zerolog.Nop(), mgr, engine, registry)
}

func TestHealthzReportsEngineState(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "idle", body.State)
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestManifestRedactsCryptoKeyMaterial(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/manifest", nil)
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "masterKey")
	assert.NotContains(t, rec.Body.String(), "\"key\"")
}

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/blobconv/internal/blobstore"
	"github.com/JonMunkholm/blobconv/internal/config"
	"github.com/JonMunkholm/blobconv/internal/core"
	"github.com/JonMunkholm/blobconv/internal/framing"
	"github.com/JonMunkholm/blobconv/internal/typedesc"
)

// ---- Fixtures ----

func orderRegistry() *typedesc.Registry {
	reg := typedesc.NewRegistry()
	reg.Register(&typedesc.Descriptor{Name: "Order", Fields: []typedesc.Field{
		{Name: "Id", Kind: typedesc.KindScalar, Type: "string"},
		{Name: "Total", Kind: typedesc.KindScalar, Type: "int32"},
	}})
	return reg
}

func testConfig() *config.Config {
	return &config.Config{
		Converter: config.ConverterConfig{ProcessingType: "Order"},
		Security: config.SecurityConfig{
			RequireAPIKey: true,
			APIKeys:       []string{"secret-key"},
			EnableCSP:     true,
		},
	}
}

func newTestServer(t *testing.T, provider typedesc.Provider, in *blobstore.Tree) (*Server, *core.Service) {
	t.Helper()
	svc, err := core.NewService(in, blobstore.NewMemory(), provider, core.Config{RootType: "Order", HistorySize: 5})
	require.NoError(t, err)

	s := NewServer(svc, testConfig(), "1.2.3")
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, svc
}

func appendOrders(t *testing.T, store *blobstore.Tree, name string, payloads ...string) {
	t.Helper()
	var buf bytes.Buffer
	enc := framing.NewEncoder(&buf, false, false)
	for _, p := range payloads {
		require.NoError(t, enc.WriteFrame([]byte(p)))
	}
	require.NoError(t, store.Append(context.Background(), name, buf.Bytes(), enc.Metadata()))
}

func do(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func authHeader() http.Header {
	return http.Header{"X-Api-Key": []string{"secret-key"}}
}

func drain(t *testing.T, svc *core.Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitForDrain(ctx))
}

// ---- Probes ----

func TestServer_IsAlive(t *testing.T) {
	s, _ := newTestServer(t, orderRegistry(), blobstore.NewMemory())

	rec := do(s, http.MethodGet, "/api/isalive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "alive", body["status"])
	require.Equal(t, "1.2.3", body["version"])
}

func TestServer_StatusIdle(t *testing.T) {
	s, _ := newTestServer(t, orderRegistry(), blobstore.NewMemory())

	rec := do(s, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "Order", body.RootType)
	require.False(t, body.Running)
	require.Nil(t, body.LastRun)
}

// ---- Tables ----

func TestServer_Tables(t *testing.T) {
	s, _ := newTestServer(t, orderRegistry(), blobstore.NewMemory())

	rec := do(s, http.MethodGet, "/api/tables", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body TablesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "Order", body.Root)
	require.Len(t, body.Tables, 1)
	require.Equal(t, []string{"Id", "Total"}, body.Tables[0].ColumnNames())
}

func TestServer_TablesUnknownRoot(t *testing.T) {
	s, _ := newTestServer(t, typedesc.NewRegistry(), blobstore.NewMemory())

	rec := do(s, http.MethodGet, "/api/tables", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "CFG003", body.Code)
	require.NotEmpty(t, body.Action)
}

func TestServer_ErrorFragment(t *testing.T) {
	s, _ := newTestServer(t, typedesc.NewRegistry(), blobstore.NewMemory())

	rec := do(s, http.MethodGet, "/api/tables", http.Header{"Hx-Request": []string{"true"}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rec.Body.String(), "CFG003")
}

// ---- Run trigger ----

func TestServer_RunRequiresKey(t *testing.T) {
	s, _ := newTestServer(t, orderRegistry(), blobstore.NewMemory())

	rec := do(s, http.MethodPost, "/api/run", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(s, http.MethodPost, "/api/run", http.Header{"X-Api-Key": []string{"wrong"}})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_RunAcceptsBearerToken(t *testing.T) {
	s, svc := newTestServer(t, orderRegistry(), blobstore.NewMemory())

	rec := do(s, http.MethodPost, "/api/run", http.Header{"Authorization": []string{"Bearer secret-key"}})
	require.Equal(t, http.StatusAccepted, rec.Code)
	drain(t, svc)
}

func TestServer_RunAndHistory(t *testing.T) {
	in := blobstore.NewMemory()
	appendOrders(t, in, "b1", `{"Id":"o-1","Total":3}`)
	appendOrders(t, in, "b2", `{"Id":"o-2","Total":4}`)
	s, svc := newTestServer(t, orderRegistry(), in)

	rec := do(s, http.MethodPost, "/api/run", authHeader())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&started))
	require.NotEmpty(t, started["run_id"])

	drain(t, svc)

	rec = do(s, http.MethodGet, "/api/status", nil)
	var status StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.NotNil(t, status.LastRun)
	require.Equal(t, started["run_id"], status.LastRun.ID)
	require.Equal(t, core.TriggerManual, status.LastRun.Trigger)
	require.Equal(t, 1, status.LastRun.Blobs)
	require.Equal(t, 1, status.LastRun.Rows)

	rec = do(s, http.MethodGet, "/api/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []core.RunSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&runs))
	require.Len(t, runs, 1)

	rec = do(s, http.MethodGet, "/api/runs?limit=x", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RunConflict(t *testing.T) {
	release := make(chan struct{})
	reg := orderRegistry()
	blocking := typedesc.ProviderFunc(func(ctx context.Context, name string) (*typedesc.Descriptor, error) {
		<-release
		return reg.Describe(ctx, name)
	})
	s, svc := newTestServer(t, blocking, blobstore.NewMemory())

	rec := do(s, http.MethodPost, "/api/run", authHeader())
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(s, http.MethodPost, "/api/run", authHeader())
	require.Equal(t, http.StatusConflict, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "RUN001", body.Code)

	rec = do(s, http.MethodGet, "/api/status", nil)
	var status StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	require.True(t, status.Running)
	require.NotNil(t, status.Since)

	close(release)
	drain(t, svc)
}

func TestServer_ShutdownCancelsManualRun(t *testing.T) {
	started := make(chan struct{})
	waiting := typedesc.ProviderFunc(func(ctx context.Context, name string) (*typedesc.Descriptor, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, svc := newTestServer(t, waiting, blobstore.NewMemory())

	rec := do(s, http.MethodPost, "/api/run", authHeader())
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-started

	require.NoError(t, s.Shutdown(context.Background()))
	drain(t, svc)

	last, ok := svc.LastRun()
	require.True(t, ok)
	require.Equal(t, "RUN002", last.ErrorCode)
}

// ---- Dashboard ----

func TestServer_Dashboard(t *testing.T) {
	in := blobstore.NewMemory()
	appendOrders(t, in, "b1", `{"Id":"o-1","Total":3}`)
	appendOrders(t, in, "b2", `{"Id":"o-2","Total":4}`)
	s, svc := newTestServer(t, orderRegistry(), in)

	_, err := svc.Run(core.ContextWithTrigger(context.Background(), core.TriggerSchedule))
	require.NoError(t, err)

	rec := do(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'self'")

	page := rec.Body.String()
	require.Contains(t, page, "Blob Converter")
	require.Contains(t, page, "<td>schedule</td>")
	require.Contains(t, page, "<code>Order</code>")
	require.True(t, strings.Contains(page, "Idle"))
}

func TestServer_CSPDisabled(t *testing.T) {
	svc, err := core.NewService(blobstore.NewMemory(), blobstore.NewMemory(), orderRegistry(), core.Config{RootType: "Order"})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Security.EnableCSP = false
	s := NewServer(svc, cfg, "1.2.3")
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	rec := do(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Content-Security-Policy"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestServer_DashboardEscapes(t *testing.T) {
	in := blobstore.NewMemory()
	svc, err := core.NewService(in, blobstore.NewMemory(), orderRegistry(), core.Config{RootType: "Order"})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Converter.ProcessingType = "<b>Order</b>"
	s := NewServer(svc, cfg, "1.2.3")
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	rec := do(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "<b>Order</b>")
	require.Contains(t, rec.Body.String(), "&lt;b&gt;Order&lt;/b&gt;")
}

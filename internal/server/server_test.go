package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pylon/internal/cluster"
	"pylon/internal/config"
	"pylon/internal/logger"
	"pylon/internal/models"
	"pylon/internal/storage"
)

type stubPeers struct {
	statuses []models.PeerStatus
	known    []models.PeerDescriptor
}

func (p stubPeers) Snapshot() []models.PeerStatus        { return p.statuses }
func (p stubPeers) KnownPeers() []models.PeerDescriptor { return p.known }

type stubSystem struct{ data models.SystemData }

func (s stubSystem) Latest() models.SystemData { return s.data }

var configuredPeer = models.PeerDescriptor{Host: "10.0.0.1", Port: 6989, Token: "alpha-token", Name: "alpha"}

func newTestServer(t *testing.T, peers stubPeers) (*Server, *config.Store) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Token = "secret"
	cfg.Name = "Edge"
	cfg.RemotePylons = []models.PeerDescriptor{configuredPeer}
	store := config.NewStaticStore(cfg)

	srv := New(Options{
		Config:       store,
		Peers:        peers,
		System:       stubSystem{data: models.SystemData{Cached: models.CachedInfo{Processor: "test-cpu"}}},
		Version:      "test",
		InstanceID:   "instance-1",
		PushInterval: 20 * time.Millisecond,
		Log:          logger.NewTestLogger(),
	})
	return srv, store
}

func do(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/remotes/ws"
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, stubPeers{})
	rec := do(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t, stubPeers{})

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/api/metrics", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/api/metrics", "wrong", nil).Code)

	rec := do(t, srv, http.MethodGet, "/api/metrics", "secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.JSONEq(t, `"Edge"`, string(body["name"]))
	assert.JSONEq(t, `"instance-1"`, string(body["instance_id"]))

	var peers []models.PeerDescriptor
	require.NoError(t, json.Unmarshal(body["remote_pylons"], &peers))
	assert.Equal(t, []models.PeerDescriptor{configuredPeer}, peers)
}

func TestLocalOmitsCredentials(t *testing.T) {
	srv, _ := newTestServer(t, stubPeers{})
	rec := do(t, srv, http.MethodGet, "/api/local", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotContains(t, rec.Body.String(), "alpha-token")

	var desc struct {
		Name        string            `json:"name"`
		Location    string            `json:"location"`
		Cached      models.CachedInfo `json:"cached"`
		RemotePylon []any             `json:"remote_pylons"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &desc))
	assert.Equal(t, "Edge", desc.Name)
	assert.Equal(t, defaultLocation, desc.Location)
	assert.Equal(t, "test-cpu", desc.Cached.Processor)
	assert.Empty(t, desc.RemotePylon)
}

func TestRemotesServesSnapshot(t *testing.T) {
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	peers := stubPeers{statuses: []models.PeerStatus{
		{IP: "10.0.0.1", Port: 6989, Online: true, LastSeen: &seen, Data: json.RawMessage(`{"name":"alpha"}`)},
		{IP: "10.0.0.2", Port: 6989},
	}}
	srv, _ := newTestServer(t, peers)

	rec := do(t, srv, http.MethodGet, "/api/remotes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[
		{"ip":"10.0.0.1","port":6989,"last_seen":"2024-05-01T12:00:00Z","online":true,"data":{"name":"alpha"}},
		{"ip":"10.0.0.2","port":6989,"last_seen":null,"online":false,"data":null}
	]`, rec.Body.String())
}

func TestKnownPeersReportsSource(t *testing.T) {
	discovered := models.PeerDescriptor{Host: "10.0.0.7", Port: 7000, Token: "hidden"}
	srv, _ := newTestServer(t, stubPeers{known: []models.PeerDescriptor{configuredPeer, discovered}})

	rec := do(t, srv, http.MethodGet, "/api/peers/known", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hidden")

	var out []models.PublicPeer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "configured", out[0].Source)
	assert.Equal(t, "discovered", out[1].Source)
}

func TestAddAndRemovePylon(t *testing.T) {
	srv, store := newTestServer(t, stubPeers{})
	added := models.PeerDescriptor{Host: "10.0.0.2", Port: 6990, Token: "bravo-token", Name: "bravo"}

	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodPost, "/api/config/pylons/add", "", added).Code)

	rec := do(t, srv, http.MethodPost, "/api/config/pylons/add", "secret", added)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"added"}`, rec.Body.String())

	cfg, err := store.Current()
	require.NoError(t, err)
	assert.Equal(t, []models.PeerDescriptor{configuredPeer, added}, cfg.RemotePylons)

	rec = do(t, srv, http.MethodPost, "/api/config/pylons/add", "secret", added)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/config/pylons/remove", "secret", map[string]any{"ip": "10.0.0.1", "port": 6989})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"removed"}`, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/config/pylons", "secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []models.PeerDescriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Equal(t, []models.PeerDescriptor{added}, listed)
}

func TestAddPylonRejectsInvalid(t *testing.T) {
	srv, store := newTestServer(t, stubPeers{})

	rec := do(t, srv, http.MethodPost, "/api/config/pylons/add", "secret", map[string]any{"ip": "10.0.0.3"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/config/pylons/add", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer secret")
	bad := httptest.NewRecorder()
	srv.Handler().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	cfg, err := store.Current()
	require.NoError(t, err)
	assert.Len(t, cfg.RemotePylons, 1)
}

func TestRemotesStreamPushesSnapshots(t *testing.T) {
	peers := stubPeers{statuses: []models.PeerStatus{{IP: "10.0.0.1", Port: 6989, Online: true}}}
	srv, _ := newTestServer(t, peers)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 2; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got []models.PeerStatus
		require.NoError(t, conn.ReadJSON(&got))
		require.Len(t, got, 1)
		assert.True(t, got[0].Online)
	}
}

func TestRemotesStreamRejectsForeignOrigin(t *testing.T) {
	srv, _ := newTestServer(t, stubPeers{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPrometheusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, stubPeers{})
	_ = do(t, srv, http.MethodGet, "/healthz", "", nil)
	_ = do(t, srv, http.MethodGet, "/api/remotes", "", nil)

	rec := do(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pylon_requests_total")
}

func TestIndexServed(t *testing.T) {
	srv, _ := newTestServer(t, stubPeers{})
	rec := do(t, srv, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Remote pylons")
	assert.Contains(t, rec.Body.String(), `id="admin-panel"`)
	assert.Contains(t, rec.Body.String(), "/static/admin.js")
}

func TestAdminScriptUsesBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, stubPeers{})
	rec := do(t, srv, http.MethodGet, "/static/admin.js", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"Bearer "`)
	for _, path := range []string{"/api/config/pylons", "/api/config/pylons/add", "/api/config/pylons/remove"} {
		assert.Contains(t, body, `"`+path+`"`)
	}
}

func TestListenAvailableSkipsBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := uint16(busy.Addr().(*net.TCPAddr).Port)
	if busyPort > 65000 {
		t.Skip("ephemeral port too close to range end")
	}

	l, port, err := ListenAvailable("127.0.0.1", busyPort, 10)
	require.NoError(t, err)
	defer l.Close()
	assert.Greater(t, port, busyPort)
	assert.Equal(t, int(port), l.Addr().(*net.TCPAddr).Port)
}

func TestListenAvailableSingleAttemptFails(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := uint16(busy.Addr().(*net.TCPAddr).Port)

	_, _, err = ListenAvailable("127.0.0.1", busyPort, 1)
	require.ErrorIs(t, err, ErrNoFreePort)
}

const gossipWithToken = `{"name":"bravo","remote_pylons":[{"ip":"10.9.9.9","port":6989,"token":"charlie-secret","name":"charlie"}]}`

func TestRemotesStripsAdvertisedTokens(t *testing.T) {
	peers := stubPeers{statuses: []models.PeerStatus{
		{IP: "10.0.0.2", Port: 6989, Online: true, Data: json.RawMessage(gossipWithToken)},
	}}
	srv, _ := newTestServer(t, peers)

	rec := do(t, srv, http.MethodGet, "/api/remotes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "charlie-secret")
	assert.NotContains(t, rec.Body.String(), `"token"`)

	var got []models.PeerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"name":"bravo","remote_pylons":[{"ip":"10.9.9.9","port":6989,"name":"charlie"}]}`, string(got[0].Data))

	assert.JSONEq(t, gossipWithToken, string(peers.statuses[0].Data))
}

func TestRemotesStreamStripsAdvertisedTokens(t *testing.T) {
	peers := stubPeers{statuses: []models.PeerStatus{
		{IP: "10.0.0.2", Port: 6989, Online: true, Data: json.RawMessage(gossipWithToken)},
	}}
	srv, _ := newTestServer(t, peers)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.NotContains(t, string(msg), "charlie-secret")
	assert.Contains(t, string(msg), "10.9.9.9")
}

func TestStripPeerTokens(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no gossip field", in: `{"name":"a"}`, want: `{"name":"a"}`},
		{name: "non-array field dropped", in: `{"name":"a","remote_pylons":"x"}`, want: `{"name":"a"}`},
		{name: "non-object entries dropped", in: `{"remote_pylons":[1,{"ip":"h","port":1,"token":"t"}]}`, want: `{"remote_pylons":[{"ip":"h","port":1}]}`},
		{name: "empty list", in: `{"remote_pylons":[]}`, want: `{"remote_pylons":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.JSONEq(t, tt.want, string(stripPeerTokens(json.RawMessage(tt.in))))
		})
	}

	assert.Nil(t, stripPeerTokens(nil))
	assert.Nil(t, stripPeerTokens(json.RawMessage(`[1]`)))
}

func TestRemotesAfterPollCycleHideGossipedTokens(t *testing.T) {
	bravo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(gossipWithToken))
	}))
	defer bravo.Close()

	u, err := url.Parse(bravo.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.RemotePylons = []models.PeerDescriptor{{Host: u.Hostname(), Port: uint16(port), Token: "bravo-token"}}
	cfgStore := config.NewStaticStore(cfg)
	svc := cluster.NewService(cfgStore, storage.NewStatusStore(), nil, logger.NewTestLogger(), cluster.WithTimeout(time.Second))
	_, err = svc.RunOnce(context.Background())
	require.NoError(t, err)

	srv := New(Options{Config: cfgStore, Peers: svc, Log: logger.NewTestLogger()})
	rec := do(t, srv, http.MethodGet, "/api/remotes", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.9.9.9")
	assert.NotContains(t, rec.Body.String(), "charlie-secret")
}

func TestKnownPeersMatchesConfiguredCaseInsensitively(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RemotePylons = []models.PeerDescriptor{{Host: "Pylon.Example", Port: 6989, Token: "t"}}
	known := stubPeers{known: []models.PeerDescriptor{{Host: "pylon.example", Port: 6989}}}
	srv := New(Options{Config: config.NewStaticStore(cfg), Peers: known, Log: logger.NewTestLogger()})

	rec := do(t, srv, http.MethodGet, "/api/peers/known", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []models.PublicPeer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "configured", out[0].Source)
}

func TestAddPylonRejectsDuplicateAfterTrimming(t *testing.T) {
	srv, _ := newTestServer(t, stubPeers{})
	dup := models.PeerDescriptor{Host: " 10.0.0.1 ", Port: 6989, Token: "x"}

	rec := do(t, srv, http.MethodPost, "/api/config/pylons/add", "secret", dup)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

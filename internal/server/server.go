package server

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pylon/internal/cluster"
	"pylon/internal/config"
	"pylon/internal/models"
	"pylon/internal/telemetry"
)

//go:embed static/*
var embeddedStatic embed.FS

const (
	defaultName        = "Local Pylon"
	defaultDescription = "Sorry, no description was provided for this Pylon."
	defaultLocation    = "Unknown Location"
)

// PeerView exposes what the peer poller knows.
type PeerView interface {
	Snapshot() []models.PeerStatus
	KnownPeers() []models.PeerDescriptor
}

// MetricsSource provides the local host metrics snapshot.
type MetricsSource interface {
	Latest() models.SystemData
}

// Options wires the server to its collaborators.
type Options struct {
	Config       *config.Store
	Peers        PeerView
	System       MetricsSource
	Version      string
	InstanceID   string
	PushInterval time.Duration
	Log          zerolog.Logger
}

// Server wraps HTTP serving of API + static assets.
type Server struct {
	httpServer *http.Server
	staticFS   fs.FS
	opts       Options
	log        zerolog.Logger
}

// New creates a configured HTTP server for the pylon.
func New(opts Options) *Server {
	staticFS, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		panic("static assets missing: " + err.Error())
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = config.DefaultPollInterval * time.Second
	}

	mux := http.NewServeMux()
	s := &Server{
		httpServer: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		staticFS:   staticFS,
		opts:       opts,
		log:        opts.Log,
	}
	s.registerRoutes(mux)
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve blocks and serves HTTP traffic on l.
func (s *Server) Serve(l net.Listener) error {
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	fileServer := http.FileServer(http.FS(s.staticFS))

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		data, err := fs.ReadFile(s.staticFS, "index.html")
		if err != nil {
			http.Error(w, "index missing", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(data)
	})
	mux.Handle("GET /static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", telemetry.MetricsHandler())

	s.handle(mux, "GET "+cluster.MetricsPath, "metrics", s.requireToken(s.handleMetrics))
	s.handle(mux, "GET /api/local", "local", s.handleLocal)
	s.handle(mux, "GET /api/remotes", "remotes", s.handleRemotes)
	mux.HandleFunc("GET /api/remotes/ws", s.handleRemotesWS)
	s.handle(mux, "GET /api/peers/known", "known_peers", s.handleKnownPeers)
	s.handle(mux, "GET /api/config/pylons", "list_pylons", s.requireToken(s.handleListPylons))
	s.handle(mux, "POST /api/config/pylons/add", "add_pylon", s.requireToken(s.handleAddPylon))
	s.handle(mux, "POST /api/config/pylons/remove", "remove_pylon", s.requireToken(s.handleRemovePylon))
}

func (s *Server) handle(mux *http.ServeMux, pattern, op string, h http.HandlerFunc) {
	mux.Handle(pattern, telemetry.Instrument(op, h))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	desc, err := s.describe(true)
	if err != nil {
		s.log.Error().Err(err).Msg("describe self")
		writeError(w, http.StatusServiceUnavailable, "configuration unavailable")
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleLocal(w http.ResponseWriter, _ *http.Request) {
	desc, err := s.describe(false)
	if err != nil {
		s.log.Error().Err(err).Msg("describe self")
		writeError(w, http.StatusServiceUnavailable, "configuration unavailable")
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleRemotes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.remotes())
}

func (s *Server) handleKnownPeers(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.opts.Config.Current()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "configuration unavailable")
		return
	}
	configured := make(map[models.PeerKey]struct{}, len(cfg.RemotePylons))
	for _, p := range cfg.RemotePylons {
		configured[p.Key().Normalized()] = struct{}{}
	}

	var known []models.PeerDescriptor
	if s.opts.Peers != nil {
		known = s.opts.Peers.KnownPeers()
	}
	out := make([]models.PublicPeer, 0, len(known))
	for _, p := range known {
		source := "discovered"
		if _, ok := configured[p.Key().Normalized()]; ok {
			source = "configured"
		}
		out = append(out, models.PublicPeer{
			Host:        p.Host,
			Port:        p.Port,
			Name:        p.Name,
			Location:    p.Location,
			Description: p.Description,
			Source:      source,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// remotes returns the status snapshot with peer credentials removed from the
// stored payloads. Storage keeps the payload verbatim.
func (s *Server) remotes() []models.PeerStatus {
	if s.opts.Peers == nil {
		return []models.PeerStatus{}
	}
	snapshot := s.opts.Peers.Snapshot()
	out := make([]models.PeerStatus, len(snapshot))
	for i, status := range snapshot {
		status.Data = stripPeerTokens(status.Data)
		out[i] = status
	}
	return out
}

// stripPeerTokens drops the token of every advertised peer in data. Payloads
// that cannot be decoded are withheld entirely.
func stripPeerTokens(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return data
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	raw, ok := doc[cluster.DiscoveryField]
	if !ok {
		return data
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		delete(doc, cluster.DiscoveryField)
	} else {
		kept := make([]json.RawMessage, 0, len(entries))
		for _, entry := range entries {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(entry, &fields); err != nil {
				continue
			}
			delete(fields, "token")
			clean, err := json.Marshal(fields)
			if err != nil {
				continue
			}
			kept = append(kept, clean)
		}
		cleaned, err := json.Marshal(kept)
		if err != nil {
			return nil
		}
		doc[cluster.DiscoveryField] = cleaned
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	return out
}

// describe builds the self-description. The configured peer list, tokens
// included, is only attached for authenticated pylons.
func (s *Server) describe(withPeers bool) (cluster.SelfDescription, error) {
	cfg, err := s.opts.Config.Current()
	if err != nil {
		return cluster.SelfDescription{}, err
	}

	desc := cluster.SelfDescription{
		Name:        orDefault(cfg.Name, defaultName),
		Description: orDefault(cfg.Description, defaultDescription),
		Location:    orDefault(cfg.Location, defaultLocation),
		Version:     s.opts.Version,
		InstanceID:  s.opts.InstanceID,
		GeneratedAt: time.Now().UTC(),
	}
	if s.opts.System != nil {
		data := s.opts.System.Latest()
		desc.Cached = data.Cached
		desc.Polled = data.Polled
	}
	if withPeers {
		desc.RemotePylons = cfg.RemotePylons
		if desc.RemotePylons == nil {
			desc.RemotePylons = []models.PeerDescriptor{}
		}
	}
	return desc, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

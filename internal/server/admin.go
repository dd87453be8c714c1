package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"pylon/internal/config"
	"pylon/internal/models"
)

var errDuplicatePylon = errors.New("remote pylon already configured")

type removePylonRequest struct {
	Host string `json:"ip"`
	Port uint16 `json:"port"`
}

// requireToken rejects requests whose bearer token does not match the
// configured instance token.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.opts.Config.Current()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "configuration unavailable")
			return
		}
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
			s.log.Debug().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("unauthorized request")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func (s *Server) handleListPylons(w http.ResponseWriter, _ *http.Request) {
	cfg, err := s.opts.Config.Current()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "configuration unavailable")
		return
	}
	pylons := cfg.RemotePylons
	if pylons == nil {
		pylons = []models.PeerDescriptor{}
	}
	writeJSON(w, http.StatusOK, pylons)
}

func (s *Server) handleAddPylon(w http.ResponseWriter, r *http.Request) {
	var pylon models.PeerDescriptor
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&pylon); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pylon")
		return
	}
	pylon.Host = strings.TrimSpace(pylon.Host)

	err := s.opts.Config.Update(func(cfg *config.Config) error {
		for _, existing := range cfg.RemotePylons {
			if existing.Key().Normalized() == pylon.Key().Normalized() {
				return errDuplicatePylon
			}
		}
		cfg.RemotePylons = append(cfg.RemotePylons, pylon)
		return nil
	})
	switch {
	case err == nil:
		s.log.Info().Str("peer", pylon.Key().String()).Msg("remote pylon added")
		writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
	case errors.Is(err, errDuplicatePylon):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, config.ErrPeerMissingHost), errors.Is(err, config.ErrPeerMissingPort):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Msg("add remote pylon")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRemovePylon(w http.ResponseWriter, r *http.Request) {
	var req removePylonRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	key := models.PeerKey{Host: strings.TrimSpace(req.Host), Port: req.Port}

	err := s.opts.Config.Update(func(cfg *config.Config) error {
		kept := cfg.RemotePylons[:0]
		for _, p := range cfg.RemotePylons {
			if p.Key().Normalized() != key.Normalized() {
				kept = append(kept, p)
			}
		}
		cfg.RemotePylons = kept
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Msg("remove remote pylon")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Str("peer", key.String()).Msg("remote pylon removed")
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

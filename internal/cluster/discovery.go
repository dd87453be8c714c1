package cluster

import (
	"encoding/json"
	"strings"

	"pylon/internal/models"
)

// DiscoveryField is the response member listing the peers a pylon knows.
const DiscoveryField = "remote_pylons"

// ExtractPeers decodes the peers advertised in a metrics document.
// Entries are decoded one by one; anything malformed is skipped.
func ExtractPeers(body []byte) []models.PeerDescriptor {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	raw, ok := doc[DiscoveryField]
	if !ok {
		return nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}

	peers := make([]models.PeerDescriptor, 0, len(entries))
	for _, entry := range entries {
		var peer models.PeerDescriptor
		if err := json.Unmarshal(entry, &peer); err != nil {
			continue
		}
		peer.Host = strings.TrimSpace(peer.Host)
		if peer.Host == "" || peer.Port == 0 {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

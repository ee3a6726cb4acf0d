package calls

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"campus-realtime/internal/config"
)

// ICEServers builds the server list handed to clients at call initiation:
// one entry for all STUN urls and, when configured, one TURN entry.
func ICEServers(cfg config.WebRTCConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	var stun []string
	for _, u := range cfg.STUNURLs {
		if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
			stun = append(stun, u)
		}
	}
	if len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if cfg.TURNURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNURL},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNCredential,
		})
	}
	return servers
}

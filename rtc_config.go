package call

import (
	"os"

	"github.com/pion/webrtc/v4"
)

const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// GetFullRTCConfiguration builds STUN and TURN servers from STUN_SERVER_URL,
// TURN_{UDP,TCP,TLS}_SERVER_URL and the TURN credentials. Unset URLs are
// skipped; with nothing set the public STUN server is used.
func GetFullRTCConfiguration() webrtc.Configuration {
	config := GetSTUNOnlyRTCConfiguration()

	username, password := os.Getenv("TURN_SERVER_USERNAME"), os.Getenv("TURN_SERVER_PASSWORD")
	for _, env := range []string{"TURN_UDP_SERVER_URL", "TURN_TCP_SERVER_URL", "TURN_TLS_SERVER_URL"} {
		url := os.Getenv(env)
		if url == "" {
			continue
		}
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{
			URLs:           []string{url},
			Username:       username,
			Credential:     password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return config
}

func GetSTUNOnlyRTCConfiguration() webrtc.Configuration {
	url := os.Getenv("STUN_SERVER_URL")
	if url == "" {
		url = DefaultSTUNServer
	}

	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{url},
			},
		},
	}
}

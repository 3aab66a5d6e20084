package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasink"
)

type (
	// LocalStream is the camera/microphone capture owned by one session.
	LocalStream interface {
		ID() string
		Tracks() []webrtc.TrackLocal
		// Close stops every track. Safe to call more than once.
		Close() error
	}

	RemoteTrack = mediasink.Track

	// Connection is the peer-connection surface the call session drives.
	Connection interface {
		AddTrack(track webrtc.TrackLocal) error
		CreateOffer() (webrtc.SessionDescription, error)
		CreateAnswer() (webrtc.SessionDescription, error)
		SetLocalDescription(desc webrtc.SessionDescription) error
		// SetRemoteDescription must reject a second remote description.
		SetRemoteDescription(desc webrtc.SessionDescription) error
		RemoteDescription() *webrtc.SessionDescription
		// AddICECandidate accepts candidates before the remote description
		// is set and applies them once it is.
		AddICECandidate(candidate webrtc.ICECandidateInit) error
		// OnICECandidate reports every locally gathered candidate, then nil once
		// gathering completes.
		OnICECandidate(fn func(candidate *webrtc.ICECandidateInit))
		OnTrack(fn func(track RemoteTrack))
		Close() error
	}

	// MediaEngine provides capture and connections.
	MediaEngine interface {
		AcquireLocalStream(ctx context.Context) (LocalStream, error)
		CreateConnection(config webrtc.Configuration) (Connection, error)
	}
)

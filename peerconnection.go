package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// PeerConnection adapts *webrtc.PeerConnection to Connection.
type PeerConnection struct {
	label          string
	peerConnection *webrtc.PeerConnection
	logger         zerolog.Logger

	// mux serialises remote description changes with candidate additions.
	mux sync.Mutex
	// pending holds remote candidates that arrived before the remote
	// description; pion rejects them until then.
	pending []webrtc.ICECandidateInit
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func CreatePeerConnection(ctx context.Context, label string, api *webrtc.API, config webrtc.Configuration, logger zerolog.Logger) (*PeerConnection, error) {
	peerConnection, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	ctx2, cancel2 := context.WithCancel(ctx)

	pc := &PeerConnection{
		label:          label,
		peerConnection: peerConnection,
		logger:         logger.With().Str("connection", label).Logger(),
		ctx:            ctx2,
		cancel:         cancel2,
	}

	return pc.onConnectionStateChangeEvent().onICEConnectionStateChange().onICEGatheringStateChange(), nil
}

func (pc *PeerConnection) onConnectionStateChangeEvent() *PeerConnection {
	pc.peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		event := pc.logger.Info()
		if state == webrtc.PeerConnectionStateDisconnected || state == webrtc.PeerConnectionStateFailed {
			event = pc.logger.Warn()
		}
		event.Str("state", state.String()).Msg("peer connection state changed")
	})
	return pc
}

func (pc *PeerConnection) onICEConnectionStateChange() *PeerConnection {
	pc.peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		pc.logger.Debug().Str("state", state.String()).Msg("ICE connection state changed")
	})
	return pc
}

func (pc *PeerConnection) onICEGatheringStateChange() *PeerConnection {
	pc.peerConnection.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		pc.logger.Debug().Str("state", state.String()).Msg("ICE gathering state changed")
	})
	return pc
}

func (pc *PeerConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := pc.peerConnection.AddTrack(track)
	if err != nil {
		return err
	}

	// Interceptors only see RTCP that is read off the sender.
	go pc.drainRTCP(sender.Read)
	return nil
}

// drainRTCP reads RTCP until the sender or receiver closes. Keyframe
// requests from the peer are logged; everything else is consumed by the
// interceptors.
func (pc *PeerConnection) drainRTCP(read func([]byte) (int, interceptor.Attributes, error)) {
	buf := make([]byte, 1500)
	for {
		if pc.ctx.Err() != nil {
			return
		}
		n, _, err := read(buf)
		if err != nil {
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				pc.logger.Debug().Uint32("ssrc", p.MediaSSRC).Msg("peer requested a keyframe (PLI)")
			case *rtcp.FullIntraRequest:
				pc.logger.Debug().Uint32("ssrc", p.MediaSSRC).Msg("peer requested a keyframe (FIR)")
			}
		}
	}
}

func (pc *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return pc.peerConnection.CreateOffer(nil)
}

func (pc *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return pc.peerConnection.CreateAnswer(nil)
}

func (pc *PeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return pc.peerConnection.SetLocalDescription(desc)
}

// SetRemoteDescription applies desc once; later calls fail with
// ErrRemoteDescriptionSet and leave the connection untouched.
func (pc *PeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	pc.mux.Lock()
	defer pc.mux.Unlock()

	if pc.peerConnection.RemoteDescription() != nil {
		return ErrRemoteDescriptionSet
	}

	if err := pc.peerConnection.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("error while setting remote sdp: %w", err)
	}

	pending := pc.pending
	pc.pending = nil
	for _, candidate := range pending {
		if err := pc.peerConnection.AddICECandidate(candidate); err != nil {
			pc.logger.Warn().Err(err).Str("candidate", candidate.Candidate).Msg("dropping buffered remote candidate")
		}
	}
	if len(pending) > 0 {
		pc.logger.Debug().Int("candidates", len(pending)).Msg("applied buffered remote candidates")
	}
	return nil
}

func (pc *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return pc.peerConnection.RemoteDescription()
}

// AddICECandidate applies candidate, or holds it until the remote
// description is set.
func (pc *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	pc.mux.Lock()
	defer pc.mux.Unlock()

	if pc.peerConnection.RemoteDescription() == nil {
		pc.pending = append(pc.pending, candidate)
		return nil
	}
	return pc.peerConnection.AddICECandidate(candidate)
}

func (pc *PeerConnection) OnICECandidate(fn func(candidate *webrtc.ICECandidateInit)) {
	pc.peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			fn(nil)
			return
		}

		pc.logger.Debug().Str("candidate", candidate.String()).Str("type", candidate.Typ.String()).Msg("found local candidate")

		candidateInit := candidate.ToJSON()
		fn(&candidateInit)
	})
}

func (pc *PeerConnection) OnTrack(fn func(track RemoteTrack)) {
	pc.peerConnection.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go pc.drainRTCP(receiver.Read)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			pc.requestKeyframe(track)
		}
		fn(track)
	})
}

// requestKeyframe asks the sender for a keyframe so remote video renders
// without waiting for the next scheduled one.
func (pc *PeerConnection) requestKeyframe(track *webrtc.TrackRemote) {
	if err := pc.peerConnection.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
		pc.logger.Debug().Err(err).Str("track", track.ID()).Msg("failed to request keyframe")
	}
}

func (pc *PeerConnection) Close() error {
	var merr error

	pc.once.Do(func() {
		pc.logger.Debug().Msg("closing peer connection")

		if pc.cancel != nil {
			pc.cancel()
		}

		if err := pc.peerConnection.Close(); err != nil {
			merr = multierr.Append(merr, err)
		}
	})

	return merr
}

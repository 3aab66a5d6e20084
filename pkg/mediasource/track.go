package mediasource

import (
	"errors"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackClosed = errors.New("local track closed")

type track struct {
	codecCapability *webrtc.RTPCodecCapability
	rtp             bool
}

// Track is a local track fed by the application, either with encoded samples
// or with ready RTP packets.
type Track struct {
	label  string
	sample *webrtc.TrackLocalStaticSample
	packet *webrtc.TrackLocalStaticRTP
	closed atomic.Bool
}

func CreateTrack(label, streamID string, options ...TrackOption) (*Track, error) {
	spec := &track{}

	for _, option := range options {
		if err := option(spec); err != nil {
			return nil, err
		}
	}

	if spec.codecCapability == nil {
		return nil, errors.New("no track capabilities given")
	}

	t := &Track{label: label}

	var err error
	if spec.rtp {
		t.packet, err = webrtc.NewTrackLocalStaticRTP(*spec.codecCapability, label, streamID)
	} else {
		t.sample, err = webrtc.NewTrackLocalStaticSample(*spec.codecCapability, label, streamID)
	}
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Track) Label() string {
	return t.label
}

func (t *Track) Local() webrtc.TrackLocal {
	if t.packet != nil {
		return t.packet
	}
	return t.sample
}

func (t *Track) WriteSample(sample media.Sample) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	if t.sample == nil {
		return errors.New("track carries RTP packets, not samples")
	}

	return t.sample.WriteSample(sample)
}

func (t *Track) WriteRTP(packet *rtp.Packet) error {
	if t.closed.Load() {
		return ErrTrackClosed
	}
	if packet == nil {
		return nil
	}
	if t.packet == nil {
		return errors.New("track carries samples, not RTP packets")
	}

	return t.packet.WriteRTP(packet)
}

// Close stops accepting writes. The track stays bound to any connection until
// that connection closes.
func (t *Track) Close() error {
	t.closed.Store(true)
	return nil
}

package mediasink

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrStreamClosed = errors.New("remote stream closed")

// Track is the part of a remote track a sink reads from. *webrtc.TrackRemote
// satisfies it.
type Track interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink is one remote track of a Stream.
type Sink struct {
	track Track
	ctx   context.Context
}

func (s *Sink) ID() string {
	return s.track.ID()
}

func (s *Sink) Kind() webrtc.RTPCodecType {
	return s.track.Kind()
}

func (s *Sink) Codec() webrtc.RTPCodecParameters {
	return s.track.Codec()
}

// ReadRTP blocks for the next packet. It fails with ErrStreamClosed once the
// owning stream has been released.
func (s *Sink) ReadRTP(ctx context.Context) (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case <-s.ctx.Done():
		return nil, nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	packet, attributes, err := s.track.ReadRTP()
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, nil, ErrStreamClosed
		}
		return nil, nil, err
	}
	return packet, attributes, nil
}

// Stream collects the remote tracks of a call.
type Stream struct {
	id       string
	sinks    map[string]*Sink
	accepted []webrtc.RTPCodecCapability
	mux      sync.RWMutex
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

func CreateStream(ctx context.Context, id string, options ...StreamOption) (*Stream, error) {
	ctx2, cancel2 := context.WithCancel(ctx)

	s := &Stream{
		id:     id,
		sinks:  make(map[string]*Sink),
		ctx:    ctx2,
		cancel: cancel2,
	}

	for _, option := range options {
		if err := option(s); err != nil {
			cancel2()
			return nil, err
		}
	}

	return s, nil
}

func (s *Stream) ID() string {
	return s.id
}

// AddTrack registers a remote track. It fails when the track is already known
// or its codec is not accepted.
func (s *Stream) AddTrack(track Track) (*Sink, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if s.ctx.Err() != nil {
		return nil, ErrStreamClosed
	}

	if _, exists := s.sinks[track.ID()]; exists {
		return nil, fmt.Errorf("sink with id='%s' already exists", track.ID())
	}

	if !s.acceptsLocked(track.Codec()) {
		return nil, fmt.Errorf("codec %s of track %s is not accepted", track.Codec().MimeType, track.ID())
	}

	sink := &Sink{track: track, ctx: s.ctx}
	s.sinks[track.ID()] = sink
	return sink, nil
}

func (s *Stream) acceptsLocked(codec webrtc.RTPCodecParameters) bool {
	if len(s.accepted) == 0 {
		return true
	}
	for _, capability := range s.accepted {
		if CompareRTPCodecCapability(codec.RTPCodecCapability, capability) {
			return true
		}
	}
	return false
}

func (s *Stream) Len() int {
	s.mux.RLock()
	defer s.mux.RUnlock()

	return len(s.sinks)
}

func (s *Stream) Sinks() iter.Seq2[string, *Sink] {
	return func(yield func(string, *Sink) bool) {
		s.mux.RLock()
		defer s.mux.RUnlock()

		for id, sink := range s.sinks {
			if !yield(id, sink) {
				return
			}
		}
	}
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	return s.ctx.Err() != nil
}

// Close releases the stream. Pending and later reads fail with
// ErrStreamClosed.
func (s *Stream) Close() error {
	s.once.Do(func() {
		s.cancel()

		s.mux.Lock()
		s.sinks = make(map[string]*Sink)
		s.mux.Unlock()
	})
	return nil
}

// CompareRTPCodecCapability matches on mime type, clock rate and channels.
// fmtp lines and feedback are negotiated and may legitimately differ.
func CompareRTPCodecCapability(a, b webrtc.RTPCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) {
		return false
	}
	if b.ClockRate != 0 && a.ClockRate != b.ClockRate {
		return false
	}
	if b.Channels != 0 && a.Channels != b.Channels {
		return false
	}
	return true
}

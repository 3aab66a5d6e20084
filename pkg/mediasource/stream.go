package mediasource

import (
	"context"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// Source opens local capture. Every Acquire returns a fresh stream that the
// caller owns and must Close.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// Stream is a set of local tracks sharing one stream id.
type Stream struct {
	id      string
	tracks  []webrtc.TrackLocal
	closers []io.Closer

	once sync.Once
	err  error
}

// NewStream groups tracks under id. Closing the stream closes every closer in
// order.
func NewStream(id string, tracks []webrtc.TrackLocal, closers ...io.Closer) *Stream {
	return &Stream{
		id:      id,
		tracks:  tracks,
		closers: closers,
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	tracks := make([]webrtc.TrackLocal, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

func (s *Stream) Close() error {
	s.once.Do(func() {
		for _, closer := range s.closers {
			s.err = multierr.Append(s.err, closer.Close())
		}
	})

	return s.err
}

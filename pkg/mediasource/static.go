package mediasource

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type trackSpec struct {
	label   string
	options []TrackOption
}

// StaticSource produces application-fed tracks instead of capturing devices.
// It suits headless peers and tests.
type StaticSource struct {
	specs     []trackSpec
	onAcquire func(stream *Stream, tracks []*Track)
}

type StaticSourceOption = func(*StaticSource) error

func NewStaticSource(options ...StaticSourceOption) (*StaticSource, error) {
	s := &StaticSource{}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	if len(s.specs) == 0 {
		return nil, errors.New("static source needs at least one track")
	}

	return s, nil
}

func WithTrack(label string, options ...TrackOption) StaticSourceOption {
	return func(s *StaticSource) error {
		for _, spec := range s.specs {
			if spec.label == label {
				return fmt.Errorf("track with label = '%s' already exists", label)
			}
		}
		s.specs = append(s.specs, trackSpec{label: label, options: options})
		return nil
	}
}

// WithAcquireHandler is called with every acquired stream so the application
// can start feeding its tracks.
func WithAcquireHandler(fn func(stream *Stream, tracks []*Track)) StaticSourceOption {
	return func(s *StaticSource) error {
		if fn == nil {
			return errors.New("acquire handler is nil")
		}
		s.onAcquire = fn
		return nil
	}
}

func (s *StaticSource) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	var (
		tracks  = make([]*Track, 0, len(s.specs))
		locals  = make([]webrtc.TrackLocal, 0, len(s.specs))
		closers = make([]io.Closer, 0, len(s.specs))
	)
	for _, spec := range s.specs {
		t, err := CreateTrack(spec.label, id, spec.options...)
		if err != nil {
			return nil, fmt.Errorf("error while creating track %s: %w", spec.label, err)
		}
		tracks = append(tracks, t)
		locals = append(locals, t.Local())
		closers = append(closers, t)
	}

	stream := NewStream(id, locals, closers...)
	if s.onAcquire != nil {
		s.onAcquire(stream, tracks)
	}

	return stream, nil
}

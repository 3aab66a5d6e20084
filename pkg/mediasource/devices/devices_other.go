//go:build !linux || !cgo

package devices

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasource"
)

// Source has no capture drivers on this platform; Acquire always fails.
type Source struct {
	videoBitRate int
	maxWidth     int
	maxHeight    int
	logger       zerolog.Logger
}

func NewSource(options ...Option) (*Source, error) {
	s := &Source{logger: zerolog.Nop()}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Populate leaves codec registration to the engine defaults.
func (s *Source) Populate(*webrtc.MediaEngine) {}

func (s *Source) Acquire(context.Context) (*mediasource.Stream, error) {
	return nil, fmt.Errorf("device capture needs linux with cgo: %w", ErrNoDevices)
}

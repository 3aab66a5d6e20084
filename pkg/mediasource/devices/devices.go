// Package devices captures the local camera and microphone.
package devices

import (
	"errors"

	"github.com/rs/zerolog"
)

var ErrNoDevices = errors.New("no usable camera or microphone")

const (
	DefaultVideoBitRate = 1_500_000
	DefaultMaxWidth     = 640
	DefaultMaxHeight    = 480
)

type Option = func(*Source) error

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Source) error {
		s.logger = logger
		return nil
	}
}

func WithVideoBitRate(bitrate int) Option {
	return func(s *Source) error {
		if bitrate <= 0 {
			return errors.New("video bitrate must be positive")
		}
		s.videoBitRate = bitrate
		return nil
	}
}

// WithMaxResolution caps capture size; larger frames raise encoding latency.
func WithMaxResolution(width, height int) Option {
	return func(s *Source) error {
		if width <= 0 || height <= 0 {
			return errors.New("resolution must be positive")
		}
		s.maxWidth, s.maxHeight = width, height
		return nil
	}
}

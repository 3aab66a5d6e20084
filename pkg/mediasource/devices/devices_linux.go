//go:build linux && cgo

package devices

import (
	"context"
	"io"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasource"
)

// Source captures through V4L2 and malgo, encoding VP8 and Opus.
type Source struct {
	selector     *mediadevices.CodecSelector
	videoBitRate int
	maxWidth     int
	maxHeight    int
	logger       zerolog.Logger
}

func NewSource(options ...Option) (*Source, error) {
	s := &Source{
		videoBitRate: DefaultVideoBitRate,
		maxWidth:     DefaultMaxWidth,
		maxHeight:    DefaultMaxHeight,
		logger:       zerolog.Nop(),
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = s.videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	s.selector = mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return s, nil
}

// Populate registers the encoders' codecs so negotiated payload types match
// what the capture produces.
func (s *Source) Populate(mediaEngine *webrtc.MediaEngine) {
	s.selector.Populate(mediaEngine)
}

type attempt struct {
	video bool
	audio bool
	label string
}

// Acquire opens camera and microphone together, then each alone, so one
// missing device does not block the other.
func (s *Source) Acquire(ctx context.Context) (*mediasource.Stream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	for _, device := range devices {
		s.logger.Debug().Interface("kind", device.Kind).Str("label", device.Label).Msg("media device")
	}

	for _, a := range []attempt{
		{video: true, audio: true, label: "video+audio"},
		{video: true, label: "video-only"},
		{audio: true, label: "audio-only"},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		stream, err := mediadevices.GetUserMedia(s.constraints(a))
		if err != nil {
			s.logger.Warn().Err(err).Str("attempt", a.label).Msg("capture failed")
			continue
		}

		var (
			tracks  = stream.GetTracks()
			locals  = make([]webrtc.TrackLocal, 0, len(tracks))
			closers = make([]io.Closer, 0, len(tracks))
			id      string
		)
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					s.logger.Warn().Err(err).Str("track", track.ID()).Msg("local track ended")
				}
			})
			locals = append(locals, track)
			closers = append(closers, track)
			id = track.StreamID()
		}

		s.logger.Info().Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return mediasource.NewStream(id, locals, closers...), nil
	}

	return nil, ErrNoDevices
}

func (s *Source) constraints(a attempt) mediadevices.MediaStreamConstraints {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}

	if a.video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: s.maxWidth}
			c.Height = prop.IntRanged{Max: s.maxHeight}
		}
	}
	if a.audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	return constraints
}

package main

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/harshabose/simple_webrtc_comm/call"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasource"
	"github.com/harshabose/simple_webrtc_comm/call/pkg/mediasource/devices"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrameDuration = 20 * time.Millisecond

func newEngine(ctx context.Context, config *call.Config, kind string, l zerolog.Logger) (*call.PionEngine, error) {
	options := append([]call.EngineOption{call.WithEngineLogger(l)}, config.Engine.ToOptions()...)

	var source mediasource.Source
	switch kind {
	case "devices":
		capture, err := devices.NewSource(devices.WithLogger(l))
		if err != nil {
			return nil, err
		}
		// The capture encoders decide the codecs; file codec settings would
		// conflict with them.
		options = append([]call.EngineOption{call.WithEngineLogger(l), call.WithCodecPopulator(capture)}, interceptorOptions(config)...)
		source = capture
	default:
		static, err := mediasource.NewStaticSource(
			mediasource.WithTrack("audio", mediasource.WithOpusTrack(call.DefaultOpusSampleRate, call.DefaultOpusChannels)),
			mediasource.WithAcquireHandler(func(_ *mediasource.Stream, tracks []*mediasource.Track) {
				for _, track := range tracks {
					go feedSilence(ctx, track, l)
				}
			}),
		)
		if err != nil {
			return nil, err
		}
		source = static
	}

	return call.NewPionEngine(ctx, source, options...)
}

func interceptorOptions(config *call.Config) []call.EngineOption {
	engineConfig := config.Engine
	engineConfig.H264, engineConfig.VP8, engineConfig.Opus = nil, nil, nil
	return engineConfig.ToOptions()
}

// feedSilence keeps an audio track flowing so the peer sees remote media.
func feedSilence(ctx context.Context, track *mediasource.Track, l zerolog.Logger) {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				if !errors.Is(err, mediasource.ErrTrackClosed) {
					l.Warn().Err(err).Str("track", track.Label()).Msg("failed to write sample")
				}
				return
			}
		}
	}
}

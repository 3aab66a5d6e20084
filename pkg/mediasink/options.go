package mediasink

import (
	"github.com/pion/webrtc/v4"
)

type StreamOption = func(*Stream) error

// Without any accept option every codec is accepted.

func WithH264Track(clockrate uint32) StreamOption {
	return func(s *Stream) error {
		s.accepted = append(s.accepted, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: clockrate,
		})
		return nil
	}
}

func WithVP8Track(clockrate uint32) StreamOption {
	return func(s *Stream) error {
		s.accepted = append(s.accepted, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: clockrate,
		})
		return nil
	}
}

func WithOpusTrack(samplerate uint32, channelLayout uint16) StreamOption {
	return func(s *Stream) error {
		s.accepted = append(s.accepted, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: samplerate,
			Channels:  channelLayout,
		})
		return nil
	}
}

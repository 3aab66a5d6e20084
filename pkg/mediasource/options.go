package mediasource

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

type TrackOption = func(*track) error

func WithH264Track(clockrate uint32) TrackOption {
	return func(track *track) error {
		if track.codecCapability != nil {
			return errors.New("multiple codecs are not supported on a single track")
		}
		track.codecCapability = &webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   clockrate,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}

		return nil
	}
}

func WithVP8Track(clockrate uint32) TrackOption {
	return func(track *track) error {
		if track.codecCapability != nil {
			return errors.New("multiple codecs are not supported on a single track")
		}
		track.codecCapability = &webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: clockrate,
		}

		return nil
	}
}

func WithOpusTrack(samplerate uint32, channelLayout uint16) TrackOption {
	return func(track *track) error {
		if track.codecCapability != nil {
			return errors.New("multiple codecs are not supported on a single track")
		}
		track.codecCapability = &webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   samplerate,
			Channels:    channelLayout,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}

		return nil
	}
}

// WithRTPPackets makes the track accept RTP packets instead of samples.
func WithRTPPackets() TrackOption {
	return func(track *track) error {
		track.rtp = true
		return nil
	}
}

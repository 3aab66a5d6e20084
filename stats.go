package call

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Stat is a point-in-time summary of one connection's transport.
type Stat struct {
	PeerConnectionStat     webrtc.PeerConnectionStats               `json:"peer_connection_stat"`
	ICECandidatePairStat   webrtc.ICECandidatePairStats             `json:"ice_candidate_pair_stat"`
	ICECandidateLocalStat  map[string]webrtc.ICECandidateStats      `json:"ice_candidate_local_stat"`
	ICECandidateRemoteStat map[string]webrtc.ICECandidateStats      `json:"ice_candidate_remote_stat"`
	ICETransportStat       webrtc.TransportStats                    `json:"ice_transport_stat"`
	InboundRTPStats        map[string]webrtc.InboundRTPStreamStats  `json:"inbound_rtp_stats"`
	OutboundRTPStats       map[string]webrtc.OutboundRTPStreamStats `json:"outbound_rtp_stats"`
}

func newStat() Stat {
	return Stat{
		ICECandidateLocalStat:  make(map[string]webrtc.ICECandidateStats),
		ICECandidateRemoteStat: make(map[string]webrtc.ICECandidateStats),
		InboundRTPStats:        make(map[string]webrtc.InboundRTPStreamStats),
		OutboundRTPStats:       make(map[string]webrtc.OutboundRTPStreamStats),
	}
}

// consume folds one report entry into s. Entry types that say nothing about
// the call's transport or media are ignored.
func (s *Stat) consume(stats webrtc.Stats) {
	switch stat := stats.(type) {
	case webrtc.PeerConnectionStats:
		s.PeerConnectionStat = stat

	case webrtc.ICECandidateStats:
		switch stat.Type {
		case webrtc.StatsTypeLocalCandidate:
			s.ICECandidateLocalStat[stat.ID] = stat
		case webrtc.StatsTypeRemoteCandidate:
			s.ICECandidateRemoteStat[stat.ID] = stat
		}

	case webrtc.ICECandidatePairStats:
		if stat.Nominated || s.ICECandidatePairStat.ID == "" {
			s.ICECandidatePairStat = stat
		}

	case webrtc.TransportStats:
		s.ICETransportStat = stat

	case webrtc.InboundRTPStreamStats:
		s.InboundRTPStats[stat.ID] = stat

	case webrtc.OutboundRTPStreamStats:
		s.OutboundRTPStats[stat.ID] = stat
	}
}

// Stats collects a fresh report from the connection.
func (pc *PeerConnection) Stats() Stat {
	stat := newStat()
	for _, entry := range pc.peerConnection.GetStats() {
		stat.consume(entry)
	}
	return stat
}

// MarshalZerologObject logs the headline numbers of a report.
func (s Stat) MarshalZerologObject(event *zerolog.Event) {
	var (
		packetsReceived uint32
		packetsLost     int32
		bytesSent       uint64
	)
	for _, inbound := range s.InboundRTPStats {
		packetsReceived += inbound.PacketsReceived
		packetsLost += inbound.PacketsLost
	}
	for _, outbound := range s.OutboundRTPStats {
		bytesSent += outbound.BytesSent
	}

	event.
		Str("pair_state", string(s.ICECandidatePairStat.State)).
		Float64("rtt", s.ICECandidatePairStat.CurrentRoundTripTime).
		Uint64("bytes_sent", bytesSent).
		Uint32("packets_received", packetsReceived).
		Int32("packets_lost", packetsLost)
}

package call

import (
	"errors"
	"fmt"
	"math"

	"github.com/pion/webrtc/v4"

	"github.com/harshabose/simple_webrtc_comm/call/pkg/signaling"
)

const (
	FieldCallerOffer  = "callerOffer"
	FieldCalleeAnswer = "calleeAnswer"
	FieldType         = "type"
	FieldSDP          = "sdp"
	FieldSenderID     = "senderId"
	FieldReceiverID   = "receiverId"

	FieldCandidate        = "candidate"
	FieldSDPMid           = "sdpMid"
	FieldSDPMLineIndex    = "sdpMLineIndex"
	FieldUsernameFragment = "usernameFragment"

	DefaultCollection = "meet"
)

// CallDocument is the signaling record for one session key.
type CallDocument struct {
	CallerOffer  *webrtc.SessionDescription
	CalleeAnswer *webrtc.SessionDescription
	SenderID     string
	ReceiverID   string
}

func (d CallDocument) Fields() signaling.Fields {
	fields := signaling.Fields{}
	if d.CallerOffer != nil {
		fields[FieldCallerOffer] = descriptionFields(*d.CallerOffer)
	}
	if d.CalleeAnswer != nil {
		fields[FieldCalleeAnswer] = descriptionFields(*d.CalleeAnswer)
	}
	if d.SenderID != "" {
		fields[FieldSenderID] = d.SenderID
	}
	if d.ReceiverID != "" {
		fields[FieldReceiverID] = d.ReceiverID
	}
	return fields
}

// ParseCallDocument decodes a stored document. Offer and answer are optional;
// when present they must carry a string sdp.
func ParseCallDocument(fields signaling.Fields) (CallDocument, error) {
	var (
		doc CallDocument
		err error
	)

	if doc.CallerOffer, err = parseDescription(fields, FieldCallerOffer, webrtc.SDPTypeOffer); err != nil {
		return CallDocument{}, err
	}
	if doc.CalleeAnswer, err = parseDescription(fields, FieldCalleeAnswer, webrtc.SDPTypeAnswer); err != nil {
		return CallDocument{}, err
	}

	doc.SenderID, _ = fields[FieldSenderID].(string)
	doc.ReceiverID, _ = fields[FieldReceiverID].(string)

	return doc, nil
}

func descriptionFields(desc webrtc.SessionDescription) map[string]any {
	return map[string]any{
		FieldType: desc.Type.String(),
		FieldSDP:  desc.SDP,
	}
}

func parseDescription(fields signaling.Fields, field string, fallback webrtc.SDPType) (*webrtc.SessionDescription, error) {
	raw, exists := fields[field]
	if !exists || raw == nil {
		return nil, nil
	}

	desc, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("field %s: expected object, got %T", field, raw)
	}

	sdp, ok := desc[FieldSDP].(string)
	if !ok || sdp == "" {
		return nil, fmt.Errorf("field %s: missing sdp", field)
	}

	sdpType := fallback
	if t, ok := desc[FieldType].(string); ok && t != "" {
		if sdpType = webrtc.NewSDPType(t); sdpType == webrtc.SDPTypeUnknown {
			return nil, fmt.Errorf("field %s: unknown sdp type %q", field, t)
		}
	}

	return &webrtc.SessionDescription{Type: sdpType, SDP: sdp}, nil
}

// candidateFields encodes a candidate with the same keys a browser's
// RTCIceCandidate.toJSON produces.
func candidateFields(candidate webrtc.ICECandidateInit) signaling.Fields {
	fields := signaling.Fields{
		FieldCandidate: candidate.Candidate,
	}
	if candidate.SDPMid != nil {
		fields[FieldSDPMid] = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		fields[FieldSDPMLineIndex] = int64(*candidate.SDPMLineIndex)
	}
	if candidate.UsernameFragment != nil {
		fields[FieldUsernameFragment] = *candidate.UsernameFragment
	}
	return fields
}

func parseCandidate(record signaling.Record) (webrtc.ICECandidateInit, error) {
	malformed := func(reason string, err error) error {
		return &MalformedCandidateError{RecordID: record.ID, Reason: reason, Err: err}
	}

	candidate, ok := record.Fields[FieldCandidate].(string)
	if !ok || candidate == "" {
		return webrtc.ICECandidateInit{}, malformed("missing candidate", nil)
	}

	mid, ok := record.Fields[FieldSDPMid].(string)
	if !ok {
		return webrtc.ICECandidateInit{}, malformed("missing sdpMid", nil)
	}

	rawIndex, exists := record.Fields[FieldSDPMLineIndex]
	if !exists || rawIndex == nil {
		return webrtc.ICECandidateInit{}, malformed("missing sdpMLineIndex", nil)
	}
	index, err := toUint16(rawIndex)
	if err != nil {
		return webrtc.ICECandidateInit{}, malformed("invalid sdpMLineIndex", err)
	}

	candidateInit := webrtc.ICECandidateInit{
		Candidate:     candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	if ufrag, ok := record.Fields[FieldUsernameFragment].(string); ok && ufrag != "" {
		candidateInit.UsernameFragment = &ufrag
	}

	return candidateInit, nil
}

var errIndexRange = errors.New("value out of range")

// toUint16 accepts the integer encodings the supported stores hand back:
// Firestore returns int64, JSON decoders return float64.
func toUint16(v any) (uint16, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint16:
		return x, nil
	case uint32:
		n = int64(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("non-integer %v", x)
		}
		n = int64(x)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}

	if n < 0 || n > math.MaxUint16 {
		return 0, fmt.Errorf("%d: %w", n, errIndexRange)
	}
	return uint16(n), nil
}

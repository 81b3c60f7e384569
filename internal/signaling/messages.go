// Package signaling maintains the persistent WebSocket channel to the relay
// server: connect/reconnect with backoff, credential attachment and recovery,
// and dispatch of parsed inbound messages to a single registered handler.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType discriminates the signaling envelope. The channel routes by
// type only; payloads stay opaque to it.
type MessageType string

const (
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "candidate"
	MessageTypeHangup    MessageType = "hangup"
	MessageTypeTyping    MessageType = "typing"
)

// Envelope is the JSON object exchanged with the relay. Outbound envelopes
// carry TargetID (who the relay should forward to); inbound envelopes carry
// SenderID (who the relay forwarded from).
type Envelope struct {
	Type     MessageType     `json:"type"`
	TargetID int64           `json:"targetId,omitempty"`
	SenderID int64           `json:"senderId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes an inbound relay frame. Mobile clients have been
// observed to write the literal strings "undefined" and "null" on teardown
// races; those are rejected here along with any other non-object frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Envelope{}, fmt.Errorf("empty frame")
	}
	switch string(trimmed) {
	case "undefined", `"undefined"`, "null", `"null"`:
		return Envelope{}, fmt.Errorf("placeholder frame %q", trimmed)
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	switch e.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", e.Type)
		}
	case MessageTypeCandidate:
		if len(e.Payload) == 0 {
			return fmt.Errorf("candidate message missing payload")
		}
	case MessageTypeHangup, MessageTypeTyping:
		// Payload optional.
	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}

// SDPPayload is the session-description payload of offer/answer envelopes.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDPPayload {
	return SDPPayload{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDPPayload) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// CandidatePayload is the ICE candidate payload of candidate envelopes,
// matching the browser/mobile RTCIceCandidateInit shape.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) CandidatePayload {
	return CandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c CandidatePayload) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// OfferEnvelope builds an outbound offer addressed to target.
func OfferEnvelope(target int64, desc webrtc.SessionDescription) (Envelope, error) {
	return descEnvelope(MessageTypeOffer, target, desc)
}

// AnswerEnvelope builds an outbound answer addressed to target.
func AnswerEnvelope(target int64, desc webrtc.SessionDescription) (Envelope, error) {
	return descEnvelope(MessageTypeAnswer, target, desc)
}

func descEnvelope(t MessageType, target int64, desc webrtc.SessionDescription) (Envelope, error) {
	payload, err := json.Marshal(SDPFromPion(desc))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, TargetID: target, Payload: payload}, nil
}

// CandidateEnvelope builds an outbound trickle candidate addressed to target.
func CandidateEnvelope(target int64, init webrtc.ICECandidateInit) (Envelope, error) {
	payload, err := json.Marshal(CandidateFromPion(init))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: MessageTypeCandidate, TargetID: target, Payload: payload}, nil
}

// HangupEnvelope builds an outbound hangup addressed to target.
func HangupEnvelope(target int64) Envelope {
	return Envelope{Type: MessageTypeHangup, TargetID: target, Payload: json.RawMessage(`{}`)}
}

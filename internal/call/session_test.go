package call

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sangamlabs/callkit/internal/signaling"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSender records outbound envelopes.
type fakeSender struct {
	mu   sync.Mutex
	sent []signaling.Envelope
	err  error
}

func (f *fakeSender) Send(env signaling.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) byType(t signaling.MessageType) []signaling.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.Envelope
	for _, env := range f.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type failMedia struct{}

func (failMedia) Acquire(context.Context, bool) (*LocalMedia, error) {
	return nil, errors.New("device busy")
}

func newTestSession(t *testing.T, mutate func(*SessionConfig)) (*Session, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	cfg := SessionConfig{
		Signals: sender,
		Logger:  discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s, sender
}

func nextEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event within deadline")
		return Event{}
	}
}

// remotePeer is a real counterpart peer connection for producing SDP the
// session has to interoperate with.
func remotePeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func remoteOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc := remotePeer(t)
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("AddTransceiverFromKind: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	return offer
}

// remoteAnswerTo answers the session's outbound offer envelope.
func remoteAnswerTo(t *testing.T, offerEnv signaling.Envelope) webrtc.SessionDescription {
	t.Helper()
	var payload signaling.SDPPayload
	if err := json.Unmarshal(offerEnv.Payload, &payload); err != nil {
		t.Fatalf("offer payload: %v", err)
	}
	desc, err := payload.ToPion()
	if err != nil {
		t.Fatalf("offer payload: %v", err)
	}

	pc := remotePeer(t)
	if err := pc.SetRemoteDescription(desc); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	return answer
}

func sdpEnvelope(t *testing.T, mt signaling.MessageType, sender int64, desc webrtc.SessionDescription) signaling.Envelope {
	t.Helper()
	payload, err := json.Marshal(signaling.SDPFromPion(desc))
	if err != nil {
		t.Fatalf("marshal sdp: %v", err)
	}
	return signaling.Envelope{Type: mt, SenderID: sender, Payload: payload}
}

func candidateEnvelope(t *testing.T, sender int64, candidate string) signaling.Envelope {
	t.Helper()
	payload, err := json.Marshal(signaling.CandidatePayload{Candidate: candidate})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	return signaling.Envelope{Type: signaling.MessageTypeCandidate, SenderID: sender, Payload: payload}
}

func TestStartSendsOfferAndEndHangsUp(t *testing.T) {
	s, sender := newTestSession(t, nil)

	if err := s.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.Phase(); got != PhaseOffering {
		t.Fatalf("phase = %v, want offering", got)
	}

	ev := nextEvent(t, s)
	if ev.Kind != EventPhase || ev.Phase != PhaseOffering || ev.Status != "Calling…" {
		t.Fatalf("first event = %+v", ev)
	}

	offers := sender.byType(signaling.MessageTypeOffer)
	if len(offers) != 1 {
		t.Fatalf("offer count = %d, want 1", len(offers))
	}
	if offers[0].TargetID != 42 {
		t.Fatalf("offer target = %d, want 42", offers[0].TargetID)
	}
	var payload signaling.SDPPayload
	if err := json.Unmarshal(offers[0].Payload, &payload); err != nil {
		t.Fatalf("offer payload: %v", err)
	}
	if payload.Type != "offer" || payload.SDP == "" {
		t.Fatalf("offer payload = %+v", payload)
	}

	// A second Start while a call is up is rejected outright.
	if err := s.Start(context.Background(), 77); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start = %v, want ErrBusy", err)
	}

	s.End()
	if got := s.Phase(); got != PhaseIdle {
		t.Fatalf("phase after End = %v, want idle", got)
	}
	hangups := sender.byType(signaling.MessageTypeHangup)
	if len(hangups) != 1 || hangups[0].TargetID != 42 {
		t.Fatalf("hangups = %+v, want one to 42", hangups)
	}
	ev = nextEvent(t, s)
	if ev.Kind != EventEnded || ev.Reason != ReasonHangup {
		t.Fatalf("end event = %+v", ev)
	}

	// End is idempotent: no second hangup, no second event.
	s.End()
	if n := len(sender.byType(signaling.MessageTypeHangup)); n != 1 {
		t.Fatalf("hangup count after double End = %d, want 1", n)
	}
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after double End: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartMediaFailure(t *testing.T) {
	s, sender := newTestSession(t, func(cfg *SessionConfig) {
		cfg.Media = failMedia{}
	})

	if err := s.Start(context.Background(), 42); err == nil {
		t.Fatal("Start succeeded with failing media source")
	}
	if got := s.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}
	if n := len(sender.byType(signaling.MessageTypeOffer)); n != 0 {
		t.Fatalf("offer count = %d, want 0", n)
	}

	ev := nextEvent(t, s) // Calling…
	if ev.Kind != EventPhase {
		t.Fatalf("first event = %+v", ev)
	}
	ev = nextEvent(t, s)
	if ev.Kind != EventEnded || ev.Reason != ReasonMediaUnavailable || ev.Status != "Connection Failed" {
		t.Fatalf("failure event = %+v", ev)
	}

	// The failed attempt leaves the session reusable.
	if err := s.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
}

func TestAnswerFlushesBufferedCandidatesInOrder(t *testing.T) {
	s, sender := newTestSession(t, nil)

	if err := s.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	offers := sender.byType(signaling.MessageTypeOffer)
	answer := remoteAnswerTo(t, offers[0])

	// Candidates that race ahead of the answer are buffered, not applied.
	var applied []string
	var appliedMu sync.Mutex
	s.mu.Lock()
	s.call.addCandidate = func(init webrtc.ICECandidateInit) error {
		appliedMu.Lock()
		applied = append(applied, init.Candidate)
		appliedMu.Unlock()
		return nil
	}
	s.mu.Unlock()

	for _, c := range []string{"cand-1", "cand-2", "cand-3"} {
		s.HandleMessage(candidateEnvelope(t, 42, c))
	}
	appliedMu.Lock()
	if len(applied) != 0 {
		appliedMu.Unlock()
		t.Fatalf("candidates applied before remote description: %v", applied)
	}
	appliedMu.Unlock()

	s.HandleMessage(sdpEnvelope(t, signaling.MessageTypeAnswer, 42, answer))
	if got := s.Phase(); got != PhaseNegotiating {
		t.Fatalf("phase = %v, want negotiating", got)
	}

	// The flush preserved arrival order, exactly once.
	appliedMu.Lock()
	if len(applied) != 3 || applied[0] != "cand-1" || applied[1] != "cand-2" || applied[2] != "cand-3" {
		appliedMu.Unlock()
		t.Fatalf("applied = %v, want [cand-1 cand-2 cand-3]", applied)
	}
	appliedMu.Unlock()

	s.mu.Lock()
	if !s.call.remoteDescSet || s.call.buffered != nil {
		s.mu.Unlock()
		t.Fatal("buffer not discarded after flush")
	}
	s.mu.Unlock()

	// Late candidates now apply immediately.
	s.HandleMessage(candidateEnvelope(t, 42, "cand-4"))
	appliedMu.Lock()
	if len(applied) != 4 || applied[3] != "cand-4" {
		appliedMu.Unlock()
		t.Fatalf("applied = %v, want trailing cand-4", applied)
	}
	appliedMu.Unlock()
}

func TestAnswerDroppedInWrongPhaseOrFromWrongPeer(t *testing.T) {
	s, sender := newTestSession(t, nil)

	// No call at all: dropped.
	stray := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	s.HandleMessage(sdpEnvelope(t, signaling.MessageTypeAnswer, 42, stray))
	if got := s.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}

	if err := s.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	answer := remoteAnswerTo(t, sender.byType(signaling.MessageTypeOffer)[0])

	// Answer from someone other than the callee: dropped.
	s.HandleMessage(sdpEnvelope(t, signaling.MessageTypeAnswer, 99, answer))
	if got := s.Phase(); got != PhaseOffering {
		t.Fatalf("phase = %v, want offering", got)
	}

	s.HandleMessage(sdpEnvelope(t, signaling.MessageTypeAnswer, 42, answer))
	if got := s.Phase(); got != PhaseNegotiating {
		t.Fatalf("phase = %v, want negotiating", got)
	}
}

func TestIncomingOfferAcceptFlow(t *testing.T) {
	s, sender := newTestSession(t, nil)

	s.HandleMessage(sdpEnvelope(t, signaling.MessageTypeOffer, 9, remoteOffer(t)))
	if got := s.Phase(); got != PhaseAnswering {
		t.Fatalf("phase = %v, want answering", got)
	}
	ev := nextEvent(t, s)
	if ev.Kind != EventIncomingCall || ev.PeerID != 9 || ev.Status != "Incoming Call…" {
		t.Fatalf("incoming event = %+v", ev)
	}

	// Trickle candidates before Accept land in the buffer.
	s.HandleMessage(candidateEnvelope(t, 9, "early-candidate"))
	s.mu.Lock()
	buffered := len(s.call.buffered)
	s.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("buffered = %d, want 1", buffered)
	}

	if err := s.Accept(context.Background()); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := s.Phase(); got != PhaseNegotiating {
		t.Fatalf("phase = %v, want negotiating", got)
	}

	answers := sender.byType(signaling.MessageTypeAnswer)
	if len(answers) != 1 || answers[0].TargetID != 9 {
		t.Fatalf("answers = %+v, want one to 9", answers)
	}
	var payload signaling.SDPPayload
	if err := json.Unmarshal(answers[0].Payload, &payload); err != nil {
		t.Fatalf("answer payload: %v", err)
	}
	if payload.Type != "answer" || payload.SDP == "" {
		t.Fatalf("answer payload = %+v", payload)
	}

	ev = nextEvent(t, s)
	if ev.Kind != EventPhase || ev.Phase != PhaseNegotiating || ev.Status != "Connecting…" {
		t.Fatalf("phase event = %+v", ev)
	}

	// The pending offer is consumed; a second Accept has nothing to answer.
	if err := s.Accept(context.Background()); !errors.Is(err, ErrNoPendingOffer) {
		t.Fatalf("second Accept = %v, want ErrNoPendingOffer", err)
	}
}

func TestRejectDeclinesWithoutPeerConnection(t *testing.T) {
	s, sender := newTestSession(t, nil)

	if err := s.Reject(); !errors.Is(err, ErrNoPendingOffer) {
		t.Fatalf("Reject while idle = %v, want ErrNoPendingOffer", err)
	}

	s.HandleMessage(sdpEnvelope(t, signaling.MessageTypeOffer, 9, remoteOffer(t)))
	nextEvent(t, s) // incoming

	if err := s.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got := s.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}
	hangups := sender.byType(signaling.MessageTypeHangup)
	if len(hangups) != 1 || hangups[0].TargetID != 9 {
		t.Fatalf("hangups = %+v, want one to 9", hangups)
	}
	ev := nextEvent(t, s)
	if ev.Kind != EventEnded || ev.Reason != ReasonRejected {
		t.Fatalf("reject event = %+v", ev)
	}
}

func TestOfferIgnoredWhileBusy(t *testing.T) {
	s, sender := newTestSession(t, nil)

	if err := s.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextEvent(t, s) // Calling…

	s.HandleMessage(sdpEnvelope(t, signaling.MessageTypeOffer, 9, remoteOffer(t)))
	if got := s.Phase(); got != PhaseOffering {
		t.Fatalf("phase = %v, want offering (glare offer must not preempt)", got)
	}
	if n := len(sender.byType(signaling.MessageTypeAnswer)); n != 0 {
		t.Fatalf("answer count = %d, want 0", n)
	}
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event for glare offer: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteHangup(t *testing.T) {
	s, sender := newTestSession(t, nil)

	if err := s.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextEvent(t, s) // Calling…

	// Hangup from a third party is ignored.
	s.HandleMessage(signaling.Envelope{Type: signaling.MessageTypeHangup, SenderID: 7})
	if got := s.Phase(); got != PhaseOffering {
		t.Fatalf("phase = %v, want offering", got)
	}

	s.HandleMessage(signaling.Envelope{Type: signaling.MessageTypeHangup, SenderID: 42})
	if got := s.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}
	ev := nextEvent(t, s)
	if ev.Kind != EventEnded || ev.Reason != ReasonRemoteHangup {
		t.Fatalf("hangup event = %+v", ev)
	}

	// The remote ended it; we do not echo a hangup back.
	if n := len(sender.byType(signaling.MessageTypeHangup)); n != 0 {
		t.Fatalf("hangup count = %d, want 0", n)
	}
}

func TestCandidateWithoutCallDropped(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.HandleMessage(candidateEnvelope(t, 9, "stray"))
	if got := s.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}
}

func TestTypingIgnored(t *testing.T) {
	s, _ := newTestSession(t, nil)
	s.HandleMessage(signaling.Envelope{Type: signaling.MessageTypeTyping, SenderID: 9})
	if got := s.Phase(); got != PhaseIdle {
		t.Fatalf("phase = %v, want idle", got)
	}
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event for typing: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMediaToggles(t *testing.T) {
	s, _ := newTestSession(t, nil)

	if err := s.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.mu.Lock()
	media := s.call.media
	s.mu.Unlock()
	if !media.AudioEnabled() || !media.VideoEnabled() {
		t.Fatal("tracks not enabled by default")
	}

	s.SetAudioEnabled(false)
	s.SetVideoEnabled(false)
	if media.AudioEnabled() || media.VideoEnabled() {
		t.Fatal("toggles not applied")
	}
	s.SetAudioEnabled(true)
	if !media.AudioEnabled() {
		t.Fatal("unmute not applied")
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	s, _ := newTestSession(t, nil)

	s.Close()
	if err := s.Start(context.Background(), 42); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close = %v, want ErrClosed", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Fatal("event stream still open after Close")
	}
	s.Close() // idempotent
}

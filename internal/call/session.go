// Package call drives a single two-party media negotiation end to end: local
// media acquisition, offer/answer/candidate exchange over the signaling
// channel, ICE candidate buffering, remote track aggregation, and teardown.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/sangamlabs/callkit/internal/metrics"
	"github.com/sangamlabs/callkit/internal/relaycfg"
	"github.com/sangamlabs/callkit/internal/signaling"
)

var (
	// ErrBusy is returned when a call is started while one is in progress.
	// Retry is user-initiated: end the current call first.
	ErrBusy = errors.New("call already in progress")
	// ErrNoPendingOffer is returned by Accept/Reject without a ringing call.
	ErrNoPendingOffer = errors.New("no pending offer")
	// ErrSuperseded is returned when an in-flight negotiation step lost to a
	// concurrent teardown.
	ErrSuperseded = errors.New("call superseded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// Sender is the outbound half of the signaling channel the session talks
// through. Sends are fire-and-forget; the session never retries them.
type Sender interface {
	Send(signaling.Envelope) error
}

// SessionConfig wires a session's collaborators.
type SessionConfig struct {
	Signals Sender
	Relay   relaycfg.Fetcher
	Media   MediaSource

	// AudioOnly skips the local video track.
	AudioOnly bool

	// API overrides the pion API (tests, custom setting engines). Defaults
	// to NewAPI(Logger).
	API *webrtc.API

	Logger  *slog.Logger
	Metrics metrics.Collector

	// EventBuffer sizes the event stream; events are dropped (and logged)
	// if the consumer falls this far behind. Defaults to 32.
	EventBuffer int
}

// Session owns the peer-connection state machine for one call at a time.
// It is created per authenticated user surface and reused across calls:
// teardown returns it to idle, ready for the next Start or incoming offer.
//
// All negotiation steps serialize on one mutex, so candidates received
// during a remote-description install cannot jump the buffered ones.
type Session struct {
	cfg     SessionConfig
	logger  *slog.Logger
	metrics metrics.Collector
	api     *webrtc.API

	mu    sync.Mutex
	phase Phase
	call  *activeCall // nil iff phase == PhaseIdle
	epoch uint64
	// closed guards the event stream; emit and Close both take mu.
	closed bool

	events chan Event
}

// activeCall carries the per-call state. peerID and initiator are set
// exactly once at creation and dropped wholesale on teardown. pendingOffer
// is only non-nil in PhaseAnswering, before Accept installs it.
type activeCall struct {
	id        string
	peerID    int64
	initiator bool
	startedAt time.Time

	pc    *webrtc.PeerConnection
	media *LocalMedia

	remote *RemoteStream

	pendingOffer *webrtc.SessionDescription

	// remoteDescSet flips once the remote description is installed; from
	// then on candidates are applied immediately instead of buffered.
	remoteDescSet bool
	buffered      []webrtc.ICECandidateInit

	// addCandidate defaults to pc.AddICECandidate once the peer connection
	// exists; tests substitute it to observe apply order.
	addCandidate func(webrtc.ICECandidateInit) error
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Signals == nil {
		return nil, errors.New("call: signaling sender required")
	}
	if cfg.Relay == nil {
		cfg.Relay = relaycfg.StaticFetcher(nil)
	}
	if cfg.Media == nil {
		cfg.Media = SampleSource{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	coll := cfg.Metrics
	if coll == nil {
		coll = metrics.Nop{}
	}
	api := cfg.API
	if api == nil {
		api = NewAPI(logger)
	}
	buf := cfg.EventBuffer
	if buf <= 0 {
		buf = 32
	}

	return &Session{
		cfg:     cfg,
		logger:  logger.With("component", "call"),
		metrics: coll,
		api:     api,
		phase:   PhaseIdle,
		events:  make(chan Event, buf),
	}, nil
}

// Events is the session's event stream. Consume until Close.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Phase reports the current negotiation phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start places an outgoing call to peerID. Valid only from idle; a session
// already in any other phase rejects the attempt with ErrBusy.
func (s *Session) Start(ctx context.Context, peerID int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.epoch++
	epoch := s.epoch
	c := &activeCall{
		id:        uuid.NewString(),
		peerID:    peerID,
		initiator: true,
		startedAt: time.Now(),
		remote:    &RemoteStream{},
	}
	s.call = c
	s.phase = PhaseOffering
	s.mu.Unlock()

	s.metrics.CallStarted(true)
	s.emit(Event{Kind: EventPhase, CallID: c.id, PeerID: peerID, Phase: PhaseOffering, Status: "Calling…"})
	s.logger.Info("starting call", "call_id", c.id, "peer_id", peerID)

	servers := s.cfg.Relay.ICEServers(ctx)

	media, err := s.cfg.Media.Acquire(ctx, !s.cfg.AudioOnly)
	if err != nil {
		s.fail(epoch, ReasonMediaUnavailable, err)
		return fmt.Errorf("acquire local media: %w", err)
	}

	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		media.Stop()
		return ErrSuperseded
	}
	err = s.sendOfferLocked(c, epoch, servers, media)
	s.mu.Unlock()
	if err != nil {
		s.fail(epoch, ReasonNegotiationFailed, err)
		return err
	}
	return nil
}

// Accept answers the pending incoming offer. Valid only while ringing.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase != PhaseAnswering || s.call == nil || s.call.pendingOffer == nil {
		s.mu.Unlock()
		return ErrNoPendingOffer
	}
	epoch := s.epoch
	c := s.call
	s.mu.Unlock()

	servers := s.cfg.Relay.ICEServers(ctx)

	media, err := s.cfg.Media.Acquire(ctx, !s.cfg.AudioOnly)
	if err != nil {
		s.fail(epoch, ReasonMediaUnavailable, err)
		return fmt.Errorf("acquire local media: %w", err)
	}

	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		media.Stop()
		return ErrSuperseded
	}
	err = s.sendAnswerLocked(c, epoch, servers, media)
	s.mu.Unlock()
	if errors.Is(err, ErrNoPendingOffer) {
		// Lost an Accept race; the winner's negotiation is untouched.
		media.Stop()
		return err
	}
	if err != nil {
		s.fail(epoch, ReasonNegotiationFailed, err)
		return err
	}

	s.emit(Event{Kind: EventPhase, CallID: c.id, PeerID: c.peerID, Phase: PhaseNegotiating, Status: "Connecting…"})
	return nil
}

// Reject declines the pending incoming offer: the caller gets a hangup and
// the session returns to idle without ever building a peer connection.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.phase != PhaseAnswering || s.call == nil {
		s.mu.Unlock()
		return ErrNoPendingOffer
	}
	id := s.call.id
	peer := s.call.peerID
	release := s.teardownLocked()
	s.mu.Unlock()

	release()
	if err := s.cfg.Signals.Send(signaling.HangupEnvelope(peer)); err != nil {
		s.logger.Debug("hangup send dropped", "err", err)
	}
	s.metrics.CallEnded()
	s.emit(Event{Kind: EventEnded, CallID: id, PeerID: peer, Phase: PhaseIdle, Reason: ReasonRejected, Status: "Call Ended"})
	return nil
}

// End hangs up the active call, if any: notifies the peer, stops local
// tracks, closes the peer connection, and returns to idle. Idempotent and
// safe in any phase; in-flight negotiation steps from this call become
// no-ops.
func (s *Session) End() {
	s.mu.Lock()
	if s.phase == PhaseIdle || s.call == nil {
		s.mu.Unlock()
		return
	}
	id := s.call.id
	peer := s.call.peerID
	release := s.teardownLocked()
	s.mu.Unlock()

	if err := s.cfg.Signals.Send(signaling.HangupEnvelope(peer)); err != nil {
		s.logger.Debug("hangup send dropped", "err", err)
	}
	release()
	s.logger.Info("call ended", "call_id", id)
	s.metrics.CallEnded()
	s.emit(Event{Kind: EventEnded, CallID: id, PeerID: peer, Phase: PhaseIdle, Reason: ReasonHangup, Status: "Call Ended"})
}

// Close disposes the session: ends any active call and closes the event
// stream. The session rejects further use.
func (s *Session) Close() {
	s.End()
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
}

// SetAudioEnabled toggles the local microphone track (mute).
func (s *Session) SetAudioEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call != nil && s.call.media != nil {
		s.call.media.SetAudioEnabled(v)
	}
}

// SetVideoEnabled toggles the local camera track.
func (s *Session) SetVideoEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call != nil && s.call.media != nil {
		s.call.media.SetVideoEnabled(v)
	}
}

// HandleMessage dispatches an inbound signaling envelope. The session
// handles offer/answer/candidate/hangup and ignores everything else; it is
// registered as (part of) the channel's consumer callback.
func (s *Session) HandleMessage(env signaling.Envelope) {
	switch env.Type {
	case signaling.MessageTypeOffer:
		s.handleOffer(env)
	case signaling.MessageTypeAnswer:
		s.handleAnswer(env)
	case signaling.MessageTypeCandidate:
		s.handleCandidate(env)
	case signaling.MessageTypeHangup:
		s.handleRemoteHangup(env)
	default:
		// typing and friends belong to other consumers.
	}
}

func (s *Session) handleOffer(env signaling.Envelope) {
	desc, err := descFromEnvelope(env, webrtc.SDPTypeOffer)
	if err != nil {
		s.logger.Warn("dropping malformed offer", "err", err)
		s.metrics.MessageDropped("offer", "malformed")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.phase != PhaseIdle {
		// Glare/renegotiation is out of scope: one concurrent call only.
		s.mu.Unlock()
		s.logger.Warn("ignoring offer while call in progress", "sender_id", env.SenderID, "phase", s.Phase().String())
		s.metrics.MessageDropped("offer", "busy")
		return
	}
	s.epoch++
	c := &activeCall{
		id:           uuid.NewString(),
		peerID:       env.SenderID,
		initiator:    false,
		startedAt:    time.Now(),
		remote:       &RemoteStream{},
		pendingOffer: &desc,
	}
	s.call = c
	s.phase = PhaseAnswering
	s.mu.Unlock()

	s.metrics.CallStarted(false)
	s.logger.Info("incoming call", "call_id", c.id, "peer_id", c.peerID)
	s.emit(Event{Kind: EventIncomingCall, CallID: c.id, PeerID: c.peerID, Phase: PhaseAnswering, Status: "Incoming Call…"})
}

func (s *Session) handleAnswer(env signaling.Envelope) {
	desc, err := descFromEnvelope(env, webrtc.SDPTypeAnswer)
	if err != nil {
		s.logger.Warn("dropping malformed answer", "err", err)
		s.metrics.MessageDropped("answer", "malformed")
		return
	}

	s.mu.Lock()
	if s.phase != PhaseOffering || s.call == nil || s.call.pc == nil {
		s.mu.Unlock()
		s.logger.Warn("dropping answer in wrong phase", "sender_id", env.SenderID)
		s.metrics.MessageDropped("answer", "wrong_phase")
		return
	}
	if env.SenderID != 0 && env.SenderID != s.call.peerID {
		s.mu.Unlock()
		s.logger.Warn("dropping answer from unexpected peer", "sender_id", env.SenderID)
		s.metrics.MessageDropped("answer", "wrong_peer")
		return
	}
	epoch := s.epoch
	c := s.call
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		s.mu.Unlock()
		s.fail(epoch, ReasonNegotiationFailed, fmt.Errorf("set remote answer: %w", err))
		return
	}
	s.installRemoteDescLocked(c)
	s.phase = PhaseNegotiating
	s.mu.Unlock()

	s.emit(Event{Kind: EventPhase, CallID: c.id, PeerID: c.peerID, Phase: PhaseNegotiating, Status: "Connecting…"})
}

func (s *Session) handleCandidate(env signaling.Envelope) {
	var payload signaling.CandidatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Warn("dropping malformed candidate", "err", err)
		s.metrics.MessageDropped("candidate", "malformed")
		return
	}
	init := payload.ToPion()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		s.logger.Debug("dropping candidate with no active call", "sender_id", env.SenderID)
		s.metrics.MessageDropped("candidate", "no_call")
		return
	}
	if s.call.remoteDescSet {
		if err := s.call.addCandidate(init); err != nil {
			s.logger.Warn("applying remote candidate failed", "err", err)
		}
		return
	}
	// Not applicable yet: the remote description hasn't been installed.
	// Arrival order is preserved for the flush.
	s.call.buffered = append(s.call.buffered, init)
}

func (s *Session) handleRemoteHangup(env signaling.Envelope) {
	s.mu.Lock()
	if s.call == nil {
		s.mu.Unlock()
		return
	}
	if env.SenderID != 0 && env.SenderID != s.call.peerID {
		s.mu.Unlock()
		return
	}
	id := s.call.id
	peer := s.call.peerID
	release := s.teardownLocked()
	s.mu.Unlock()

	release()
	s.logger.Info("remote hung up", "call_id", id, "peer_id", peer)
	s.metrics.CallEnded()
	s.emit(Event{Kind: EventEnded, CallID: id, PeerID: peer, Phase: PhaseIdle, Reason: ReasonRemoteHangup, Status: "Call Ended"})
}

// sendOfferLocked builds the peer connection and runs the caller-side
// negotiation steps. s.mu must be held.
func (s *Session) sendOfferLocked(c *activeCall, epoch uint64, servers []webrtc.ICEServer, media *LocalMedia) error {
	if err := s.buildPeerConnectionLocked(c, epoch, servers, media); err != nil {
		return err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	env, err := signaling.OfferEnvelope(c.peerID, offer)
	if err != nil {
		return err
	}
	if err := s.cfg.Signals.Send(env); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// sendAnswerLocked builds the peer connection, installs the pending offer,
// flushes buffered candidates, and answers. s.mu must be held.
func (s *Session) sendAnswerLocked(c *activeCall, epoch uint64, servers []webrtc.ICEServer, media *LocalMedia) error {
	// A concurrent Accept can win the race between the ringing check and
	// media acquisition; the offer is consumed exactly once.
	if c.pendingOffer == nil {
		return ErrNoPendingOffer
	}
	if err := s.buildPeerConnectionLocked(c, epoch, servers, media); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(*c.pendingOffer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	c.pendingOffer = nil
	s.installRemoteDescLocked(c)

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	env, err := signaling.AnswerEnvelope(c.peerID, answer)
	if err != nil {
		return err
	}
	if err := s.cfg.Signals.Send(env); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	s.phase = PhaseNegotiating
	return nil
}

// installRemoteDescLocked marks the remote description installed and drains
// the candidate buffer strictly in arrival order. The buffer is discarded
// afterwards; later candidates apply immediately. s.mu must be held, which
// keeps concurrently arriving candidates behind the drain.
func (s *Session) installRemoteDescLocked(c *activeCall) {
	c.remoteDescSet = true
	for _, init := range c.buffered {
		if err := c.addCandidate(init); err != nil {
			s.logger.Warn("applying buffered candidate failed", "err", err)
		}
	}
	c.buffered = nil
}

func (s *Session) buildPeerConnectionLocked(c *activeCall, epoch uint64, servers []webrtc.ICEServer, media *LocalMedia) error {
	// One live peer connection at a time: the state machine only reaches
	// here from a fresh call record, but a stale handle from a superseded
	// attempt is closed defensively before the new one is installed.
	if c.pc != nil {
		_ = c.pc.Close()
		c.pc = nil
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	c.pc = pc
	c.media = media
	c.addCandidate = pc.AddICECandidate
	s.wirePeerConnection(pc, c.id, c.peerID, epoch)

	for _, track := range media.Tracks() {
		if _, err := pc.AddTrack(track); err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
	}
	return nil
}

// wirePeerConnection registers the pion callbacks. Each closure carries the
// call's epoch; completions from a superseded call are no-ops.
func (s *Session) wirePeerConnection(pc *webrtc.PeerConnection, callID string, peerID int64, epoch uint64) {
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		env, err := signaling.CandidateEnvelope(peerID, cand.ToJSON())
		if err != nil {
			s.logger.Warn("encoding local candidate failed", "err", err)
			return
		}
		if err := s.cfg.Signals.Send(env); err != nil {
			// Fire-and-forget: the channel logged the drop.
			s.logger.Debug("candidate send dropped", "err", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.mu.Lock()
		if !s.currentLocked(epoch) {
			s.mu.Unlock()
			return
		}
		remote := s.call.remote
		remote.add(track)
		phase := s.phase
		s.mu.Unlock()

		s.logger.Debug("remote track added", "call_id", callID, "kind", track.Kind().String())
		s.emit(Event{Kind: EventRemoteStream, CallID: callID, PeerID: peerID, Phase: phase, Remote: remote})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.mu.Lock()
			if !s.currentLocked(epoch) || s.phase == PhaseConnected {
				s.mu.Unlock()
				return
			}
			setup := time.Since(s.call.startedAt)
			s.phase = PhaseConnected
			s.mu.Unlock()

			s.logger.Info("call connected", "call_id", callID, "setup", setup)
			s.metrics.CallConnected(setup)
			s.emit(Event{Kind: EventPhase, CallID: callID, PeerID: peerID, Phase: PhaseConnected, Status: "Connected"})

		case webrtc.PeerConnectionStateFailed:
			// Tear down off the callback goroutine; pion close re-enters
			// the ops queue.
			go s.fail(epoch, ReasonTransportFailed, errors.New("peer connection failed"))
		}
	})
}

// fail tears down the identified call attempt and surfaces a terminal,
// human-readable reason. A stale epoch means a newer attempt or teardown
// already won; nothing happens.
func (s *Session) fail(epoch uint64, reason string, err error) {
	s.mu.Lock()
	if !s.currentLocked(epoch) {
		s.mu.Unlock()
		return
	}
	id := s.call.id
	peer := s.call.peerID
	release := s.teardownLocked()
	s.mu.Unlock()

	release()
	s.logger.Error("call failed", "call_id", id, "reason", reason, "err", err)
	s.metrics.CallFailed(reason)
	s.emit(Event{Kind: EventEnded, CallID: id, PeerID: peer, Phase: PhaseIdle, Reason: reason, Status: "Connection Failed"})
}

func (s *Session) currentLocked(epoch uint64) bool {
	return s.epoch == epoch && s.call != nil
}

// teardownLocked clears the call record atomically and bumps the epoch so
// in-flight work from this call becomes a no-op. The returned func releases
// the peer connection and media outside the lock (pion close can block and
// re-enter callbacks).
func (s *Session) teardownLocked() func() {
	c := s.call
	s.call = nil
	s.phase = PhaseIdle
	s.epoch++

	return func() {
		if c == nil {
			return
		}
		if c.pc != nil {
			_ = c.pc.Close()
		}
		if c.media != nil {
			c.media.Stop()
		}
	}
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping event", "kind", ev.Kind)
	}
}

func descFromEnvelope(env signaling.Envelope, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var payload signaling.SDPPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return webrtc.SessionDescription{}, err
	}
	desc, err := payload.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("expected %s sdp, got %s", want, desc.Type)
	}
	return desc, nil
}

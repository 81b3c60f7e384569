package call

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// MediaSource acquires the local media for one call attempt. Acquisition may
// prompt for hardware/permissions and so takes a context; failure is
// terminal for the attempt (surfaced as ReasonMediaUnavailable).
type MediaSource interface {
	Acquire(ctx context.Context, video bool) (*LocalMedia, error)
}

// LocalMedia is the local half of a call: the tracks attached to the peer
// connection plus the mute/video toggles. It is the single source of truth
// for those toggles; sample producers must consult AudioEnabled/VideoEnabled
// and write silence/black (or skip) while disabled.
type LocalMedia struct {
	audio webrtc.TrackLocal
	video webrtc.TrackLocal

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool

	stopOnce sync.Once
	stop     func()
}

// NewLocalMedia wraps acquired tracks. video and release may be nil.
func NewLocalMedia(audio, video webrtc.TrackLocal, release func()) *LocalMedia {
	m := &LocalMedia{audio: audio, video: video, stop: release}
	m.audioEnabled.Store(true)
	m.videoEnabled.Store(video != nil)
	return m
}

// Tracks lists the non-nil local tracks in attach order (audio first).
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if m.audio != nil {
		out = append(out, m.audio)
	}
	if m.video != nil {
		out = append(out, m.video)
	}
	return out
}

func (m *LocalMedia) AudioEnabled() bool     { return m.audioEnabled.Load() }
func (m *LocalMedia) SetAudioEnabled(v bool) { m.audioEnabled.Store(v) }
func (m *LocalMedia) VideoEnabled() bool     { return m.videoEnabled.Load() }
func (m *LocalMedia) SetVideoEnabled(v bool) { m.videoEnabled.Store(v) }

// Stop releases the underlying capture resources. Idempotent.
func (m *LocalMedia) Stop() {
	m.stopOnce.Do(func() {
		if m.stop != nil {
			m.stop()
		}
	})
}

// SampleSource builds sample-fed local tracks (Opus audio, optionally VP8
// video). The embedder pumps encoded samples into the returned tracks; the
// library itself does no capture or transcoding.
type SampleSource struct{}

func (SampleSource) Acquire(_ context.Context, video bool) (*LocalMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "callkit",
	)
	if err != nil {
		return nil, err
	}

	var videoTrack webrtc.TrackLocal
	if video {
		vt, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "callkit",
		)
		if err != nil {
			return nil, err
		}
		videoTrack = vt
	}

	return NewLocalMedia(audio, videoTrack, nil), nil
}

var _ MediaSource = SampleSource{}

// RemoteStream aggregates remote tracks into one logical stream. Audio and
// video are negotiated separately, so tracks join asynchronously; Tracks
// returns a snapshot.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) add(track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, track)
	r.mu.Unlock()
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

package capture

import (
	"sync"
	"time"
)

const (
	// FrameSize is one 20ms μ-law frame at 8kHz mono.
	FrameSize = 160
	// FrameDuration is the wall-clock span of one frame.
	FrameDuration = 20 * time.Millisecond

	targetRate = 8000

	// trackBuffer holds ~1.3s of audio between producer and consumer.
	trackBuffer = 64
)

// TrackKind distinguishes audio tracks from the video tracks that only
// exist to anchor a display-capture grant.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one capturable media track. Audio tracks deliver 20ms μ-law
// frames on Frames; video tracks carry no frames and are stopped and
// removed before a stream leaves this package.
type Track struct {
	kind  TrackKind
	id    string
	label string

	frames chan []byte
	done   chan struct{}

	stop     func()
	stopOnce sync.Once
}

// NewTrack builds a track. stop releases the underlying device resources
// and may be nil for tracks that own none.
func NewTrack(kind TrackKind, id, label string, stop func()) *Track {
	return &Track{
		kind:   kind,
		id:     id,
		label:  label,
		frames: make(chan []byte, trackBuffer),
		done:   make(chan struct{}),
		stop:   stop,
	}
}

func (t *Track) Kind() TrackKind { return t.kind }
func (t *Track) ID() string      { return t.id }
func (t *Track) Label() string   { return t.label }

// Frames is the consumer side of the track.
func (t *Track) Frames() <-chan []byte { return t.frames }

// Done is closed when the track is stopped.
func (t *Track) Done() <-chan struct{} { return t.done }

// Push delivers one frame to the consumer. Under backpressure the oldest
// buffered frame is dropped so live audio never stalls the producer.
func (t *Track) Push(frame []byte) {
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.frames <- frame:
	default:
		select {
		case <-t.frames:
		default:
		}
		select {
		case t.frames <- frame:
		default:
		}
	}
}

// Stop halts the track and releases its device resources. Idempotent.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.stop != nil {
			t.stop()
		}
	})
}

// Stopped reports whether Stop has been called.
func (t *Track) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Stream is the set of tracks produced by one acquisition. Whoever holds
// the stream owns it; sessions that are handed a stream borrow it and
// must not stop its tracks.
type Stream struct {
	id string

	mu     sync.Mutex
	tracks []*Track
}

// NewStream builds a stream over the given tracks.
func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a snapshot of the stream's tracks.
func (s *Stream) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AudioTracks returns the audio tracks.
func (s *Stream) AudioTracks() []*Track { return s.tracksOfKind(TrackAudio) }

// VideoTracks returns the video tracks.
func (s *Stream) VideoTracks() []*Track { return s.tracksOfKind(TrackVideo) }

func (s *Stream) tracksOfKind(kind TrackKind) []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// RemoveTrack detaches a track from the stream without stopping it.
func (s *Stream) RemoveTrack(track *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t == track {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Close stops every track. Only the stream's owner calls this.
func (s *Stream) Close() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

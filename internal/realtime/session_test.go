package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/ArpitJ1993/CHEATS-APP/internal/capture"
)

func TestSessionStop_NeverStarted(t *testing.T) {
	s := NewSession(RoleMicrophone, testConfig(), NewSignaler("https://api.example.com", "sk", ModeToken))

	// Stop before Start, twice. Neither call may panic or block.
	s.Stop()
	s.Stop()

	if _, ok := <-s.Events(); ok {
		t.Fatal("event channel still open after Stop")
	}
}

func TestSessionStart_NilStream(t *testing.T) {
	s := NewSession(RoleMicrophone, testConfig(), NewSignaler("https://api.example.com", "sk", ModeToken))
	defer s.Stop()

	if err := s.Start(context.Background(), nil); err == nil {
		t.Fatal("Start accepted a nil stream")
	}
}

func TestSessionStart_NoAudioTrack(t *testing.T) {
	s := NewSession(RoleSystemAudio, testConfig(), NewSignaler("https://api.example.com", "sk", ModeToken))
	defer s.Stop()

	stream := capture.NewStream("video-only", capture.NewTrack(capture.TrackVideo, "v0", "display", nil))
	if err := s.Start(context.Background(), stream); err == nil {
		t.Fatal("Start accepted a stream with no audio track")
	}
}

func TestSessionStart_DoesNotStopBorrowedStream(t *testing.T) {
	s := NewSession(RoleMicrophone, testConfig(), NewSignaler("https://api.example.com", "", ModeToken))

	track := capture.NewTrack(capture.TrackAudio, "a0", "mic", nil)
	stream := capture.NewStream("mic", track)

	// The empty api key fails negotiation before any network traffic, so
	// Start errors and tears the session down.
	if err := s.Start(context.Background(), stream); err == nil {
		t.Fatal("Start succeeded with no api key")
	}
	s.Stop()

	if track.Stopped() {
		t.Fatal("session teardown stopped a borrowed stream track")
	}
}

func TestSessionSendMessage_NoChannel(t *testing.T) {
	s := NewSession(RoleMicrophone, testConfig(), NewSignaler("https://api.example.com", "sk", ModeToken))
	defer s.Stop()

	if err := s.SendMessage(map[string]string{"type": "ping"}); err == nil {
		t.Fatal("SendMessage succeeded without a data channel")
	}
}

type countingWriter struct {
	mu     sync.Mutex
	writes int
}

func (w *countingWriter) WriteSample(media.Sample) error {
	w.mu.Lock()
	w.writes++
	w.mu.Unlock()
	return nil
}

func (w *countingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func TestSessionPumpFrames_MutedKeepsDraining(t *testing.T) {
	s := NewSession(RoleMicrophone, testConfig(), nil)
	source := capture.NewTrack(capture.TrackAudio, "a0", "mic", nil)
	out := &countingWriter{}

	done := make(chan struct{})
	go func() {
		s.pumpFrames(source, out)
		close(done)
	}()

	s.SetMuted(true)
	for i := 0; i < 200; i++ {
		source.Push(make([]byte, capture.FrameSize))
	}

	// A muted pump must keep draining the source so the borrowed track
	// never backs up.
	deadline := time.Now().Add(2 * time.Second)
	for len(source.Frames()) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("muted pump stopped draining, %d frames queued", len(source.Frames()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := out.count(); got != 0 {
		t.Fatalf("muted pump wrote %d samples, want 0", got)
	}

	s.SetMuted(false)
	source.Push(make([]byte, capture.FrameSize))
	deadline = time.Now().Add(2 * time.Second)
	for out.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("unmuted pump never wrote a sample")
		}
		time.Sleep(5 * time.Millisecond)
	}

	source.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after source stop")
	}
}

func TestSessionEmit_NeverBlocksWhenFull(t *testing.T) {
	s := NewSession(RoleSystemAudio, testConfig(), nil)

	const overflow = 3
	done := make(chan struct{})
	go func() {
		for i := 0; i < eventBuffer+overflow; i++ {
			s.emit(Event{Kind: EventTranscript, Role: s.role, Time: time.Now(), Text: "x"})
		}
		close(done)
	}()

	// Nobody consumes events here; every emit past the buffer must
	// return immediately instead of stalling the producer.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on a full channel")
	}

	if got := s.Stats().DroppedEvents; got != overflow {
		t.Fatalf("DroppedEvents = %d, want %d", got, overflow)
	}

	// Everything that fit is still deliverable after Stop.
	s.Stop()
	delivered := 0
	for range s.Events() {
		delivered++
	}
	if delivered != eventBuffer {
		t.Fatalf("delivered %d buffered events, want %d", delivered, eventBuffer)
	}
}

func TestSessionMuteGate(t *testing.T) {
	s := NewSession(RoleMicrophone, testConfig(), nil)
	defer s.Stop()

	if s.Muted() {
		t.Fatal("new session starts muted")
	}
	s.SetMuted(true)
	if !s.Muted() {
		t.Fatal("SetMuted(true) did not take")
	}
	s.SetMuted(false)
	if s.Muted() {
		t.Fatal("SetMuted(false) did not take")
	}
}

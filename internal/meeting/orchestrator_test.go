package meeting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ArpitJ1993/CHEATS-APP/internal/backoff"
	"github.com/ArpitJ1993/CHEATS-APP/internal/capture"
	"github.com/ArpitJ1993/CHEATS-APP/internal/realtime"
)

// fakeSession scripts one role's session behavior.
type fakeSession struct {
	role     realtime.Role
	startErr error
	events   chan realtime.Event

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

func newFakeSession(role realtime.Role) *fakeSession {
	return &fakeSession{role: role, events: make(chan realtime.Event, 64)}
}

func (f *fakeSession) Start(ctx context.Context, stream *capture.Stream) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	return f.startErr
}

func (f *fakeSession) Stop() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.stopped = true
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeSession) Events() <-chan realtime.Event { return f.events }
func (f *fakeSession) SetMuted(bool)                 {}
func (f *fakeSession) Stats() realtime.Stats         { return realtime.Stats{} }

func (f *fakeSession) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// emit pushes a scripted event, skipping silently once stopped.
func (f *fakeSession) emit(ev realtime.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	ev.Role = f.role
	f.events <- ev
}

// recordSink collects everything the orchestrator forwards.
type recordSink struct {
	mu          sync.Mutex
	transcripts []TranscriptEvent
	statuses    []Status
}

func (s *recordSink) OnTranscript(ev TranscriptEvent) {
	s.mu.Lock()
	s.transcripts = append(s.transcripts, ev)
	s.mu.Unlock()
}

func (s *recordSink) OnStatus(st Status) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st)
	s.mu.Unlock()
}

func (s *recordSink) finals() []TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TranscriptEvent
	for _, ev := range s.transcripts {
		if !ev.Partial {
			out = append(out, ev)
		}
	}
	return out
}

// fakeSurface provides both streams without touching any device. The
// loopback device field routes system audio down the direct path so no
// intercept choreography runs in these tests.
func fakeSurface(t *testing.T) (*capture.Surface, *capture.Track, *capture.Track) {
	t.Helper()
	micTrack := capture.NewTrack(capture.TrackAudio, "mic0", "fake mic", nil)
	sysTrack := capture.NewTrack(capture.TrackAudio, "loop0", "fake loopback", nil)
	surface := &capture.Surface{
		Microphone: func(ctx context.Context, device string) (*capture.Stream, error) {
			if device == "loopback" {
				return capture.NewStream("sys", sysTrack), nil
			}
			return capture.NewStream("mic", micTrack), nil
		},
		LoopbackDevice: func(ctx context.Context) (string, error) {
			return "loopback", nil
		},
	}
	return surface, micTrack, sysTrack
}

type harness struct {
	orch *Orchestrator
	mic  *fakeSession
	sys  *fakeSession
	sink *recordSink
	runC chan error
}

func startHarness(t *testing.T, ctx context.Context) *harness {
	t.Helper()
	surface, _, _ := fakeSurface(t)
	sink := &recordSink{}
	orch := New(Options{
		Surface: surface,
		Policy:  backoff.Default(),
		Sinks:   []Sink{sink},
	})

	mic := newFakeSession(realtime.RoleMicrophone)
	sys := newFakeSession(realtime.RoleSystemAudio)
	orch.newSession = func(role realtime.Role) rtSession {
		if role == realtime.RoleMicrophone {
			return mic
		}
		return sys
	}

	h := &harness{orch: orch, mic: mic, sys: sys, sink: sink, runC: make(chan error, 1)}
	go func() { h.runC <- orch.Run(ctx) }()

	// Wait until both sessions were started before scripting events.
	deadline := time.After(2 * time.Second)
	for {
		mic.mu.Lock()
		micUp := mic.started
		mic.mu.Unlock()
		sys.mu.Lock()
		sysUp := sys.started
		sys.mu.Unlock()
		if micUp && sysUp {
			return h
		}
		select {
		case <-deadline:
			t.Fatal("sessions never started")
		case err := <-h.runC:
			t.Fatalf("Run returned early: %v", err)
		case <-time.After(time.Millisecond):
		}
	}
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.runC:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestOrchestrator_StartFailureTearsDownBoth(t *testing.T) {
	surface, micTrack, sysTrack := fakeSurface(t)
	orch := New(Options{Surface: surface, Policy: backoff.Default()})

	mic := newFakeSession(realtime.RoleMicrophone)
	mic.startErr = errors.New("negotiation refused")
	sys := newFakeSession(realtime.RoleSystemAudio)
	orch.newSession = func(role realtime.Role) rtSession {
		if role == realtime.RoleMicrophone {
			return mic
		}
		return sys
	}

	err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite a session start failure")
	}
	if !sys.isStopped() {
		t.Error("system session left running after microphone start failed")
	}
	if !micTrack.Stopped() || !sysTrack.Stopped() {
		t.Error("streams not released after start failure")
	}
}

func TestOrchestrator_SessionErrorStopsEverything(t *testing.T) {
	h := startHarness(t, context.Background())

	h.mic.emit(realtime.Event{Kind: realtime.EventError, Time: time.Now(), Err: errors.New("ice failed")})

	err := h.wait(t)
	if err == nil {
		t.Fatal("Run returned nil after a session error")
	}
	if !h.mic.isStopped() || !h.sys.isStopped() {
		t.Error("sessions left running after fatal session error")
	}

	// No transcripts may surface once the meeting is down.
	h.sys.emit(realtime.Event{Kind: realtime.EventTranscript, Text: "late", Time: time.Now()})
	if got := len(h.sink.finals()); got != 0 {
		t.Errorf("got %d finals after teardown, want 0", got)
	}
}

func TestOrchestrator_LatencyUsesOwnRoleBaseline(t *testing.T) {
	h := startHarness(t, context.Background())

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	h.orch.mu.Lock()
	h.orch.now = func() time.Time { return base.Add(3 * time.Second) }
	h.orch.mu.Unlock()

	// Both roles learn their VAD windows, then both report speech
	// stopping at different moments, then the microphone final arrives.
	h.mic.emit(realtime.Event{Kind: realtime.EventSessionReady, Time: base, SilenceDuration: 500 * time.Millisecond})
	h.sys.emit(realtime.Event{Kind: realtime.EventSessionReady, Time: base, SilenceDuration: 500 * time.Millisecond})
	h.mic.emit(realtime.Event{Kind: realtime.EventSpeechStopped, Time: base.Add(1 * time.Second)})
	h.sys.emit(realtime.Event{Kind: realtime.EventSpeechStopped, Time: base.Add(2 * time.Second)})
	h.mic.emit(realtime.Event{Kind: realtime.EventTranscript, Text: "hello", Time: base.Add(3 * time.Second)})

	var finals []TranscriptEvent
	deadline := time.After(2 * time.Second)
	for len(finals) == 0 {
		select {
		case <-deadline:
			t.Fatal("final transcript never reached the sink")
		case <-time.After(time.Millisecond):
			finals = h.sink.finals()
		}
	}

	got := finals[0]
	if got.Role != realtime.RoleMicrophone {
		t.Fatalf("Role = %v, want microphone", got.Role)
	}
	if !got.HasLatency {
		t.Fatal("final carried no latency despite a baseline on record")
	}
	// Mic baseline: speech_stopped at +1s minus the 500ms window = +0.5s.
	// Now is +3s, so latency must be 2.5s. The system role's +2s
	// speech_stopped must not leak into this computation.
	if want := 2500 * time.Millisecond; got.Latency != want {
		t.Errorf("Latency = %v, want %v (own-role baseline)", got.Latency, want)
	}

	h.orch.Stop()
	h.wait(t)
}

func TestOrchestrator_BaselineIsSingleUse(t *testing.T) {
	h := startHarness(t, context.Background())

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	h.orch.mu.Lock()
	h.orch.now = func() time.Time { return base.Add(2 * time.Second) }
	h.orch.mu.Unlock()

	h.mic.emit(realtime.Event{Kind: realtime.EventSessionReady, Time: base, SilenceDuration: 500 * time.Millisecond})
	h.mic.emit(realtime.Event{Kind: realtime.EventSpeechStopped, Time: base.Add(time.Second)})
	h.mic.emit(realtime.Event{Kind: realtime.EventTranscript, Text: "first", Time: base.Add(2 * time.Second)})
	h.mic.emit(realtime.Event{Kind: realtime.EventTranscript, Text: "second", Time: base.Add(2 * time.Second)})

	deadline := time.After(2 * time.Second)
	for len(h.sink.finals()) < 2 {
		select {
		case <-deadline:
			t.Fatal("finals never reached the sink")
		case <-time.After(time.Millisecond):
		}
	}

	finals := h.sink.finals()
	if !finals[0].HasLatency {
		t.Error("first final missing latency")
	}
	if finals[1].HasLatency {
		t.Error("second final reused a consumed baseline")
	}

	h.orch.Stop()
	h.wait(t)
}

func TestOrchestrator_PartialsCarryNoLatency(t *testing.T) {
	h := startHarness(t, context.Background())

	h.mic.emit(realtime.Event{Kind: realtime.EventSpeechStopped, Time: time.Now()})
	h.mic.emit(realtime.Event{Kind: realtime.EventTranscript, Text: "par", Partial: true, Time: time.Now()})

	deadline := time.After(2 * time.Second)
	for {
		h.sink.mu.Lock()
		n := len(h.sink.transcripts)
		h.sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("partial never reached the sink")
		case <-time.After(time.Millisecond):
		}
	}

	h.sink.mu.Lock()
	got := h.sink.transcripts[0]
	h.sink.mu.Unlock()
	if got.HasLatency {
		t.Error("partial transcript carried latency")
	}

	h.orch.Stop()
	h.wait(t)
}

func TestOrchestrator_StopIsIdempotent(t *testing.T) {
	h := startHarness(t, context.Background())

	h.orch.Stop()
	h.orch.Stop()
	if err := h.wait(t); err != nil {
		t.Fatalf("Run returned %v after a clean Stop, want nil", err)
	}
	if !h.mic.isStopped() || !h.sys.isStopped() {
		t.Error("sessions left running after Stop")
	}
}

func TestOrchestrator_CaptureFailureReleasesMicStream(t *testing.T) {
	micTrack := capture.NewTrack(capture.TrackAudio, "mic0", "fake mic", nil)
	surface := &capture.Surface{
		Microphone: func(ctx context.Context, device string) (*capture.Stream, error) {
			return capture.NewStream("mic", micTrack), nil
		},
		LoopbackDevice: func(ctx context.Context) (string, error) {
			return "", fmt.Errorf("enumeration broken")
		},
	}
	orch := New(Options{Surface: surface, Policy: backoff.Default()})

	if err := orch.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded despite system audio capture failing")
	}
	if !micTrack.Stopped() {
		t.Error("microphone stream leaked after capture failure")
	}
}

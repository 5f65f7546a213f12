package meeting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ArpitJ1993/CHEATS-APP/internal/backoff"
	"github.com/ArpitJ1993/CHEATS-APP/internal/capture"
	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
	"github.com/ArpitJ1993/CHEATS-APP/internal/realtime"
)

// TranscriptEvent is one rendered caption unit. Latency is only valid
// when HasLatency is set: finals whose role had a speech_stopped
// baseline on record.
type TranscriptEvent struct {
	Role       realtime.Role
	Text       string
	Partial    bool
	Time       time.Time
	Latency    time.Duration
	HasLatency bool
}

// RoleStatus is one session's transport state.
type RoleStatus struct {
	State        string
	RTT          time.Duration
	FractionLost float64
}

// Status is a snapshot of the whole orchestration.
type Status struct {
	Microphone      RoleStatus
	SystemAudio     RoleStatus
	CaptureStrategy string
	CaptureAttempts int
}

// Sink receives transcript and status updates. Sinks must not block;
// slow consumers buffer or drop on their own side.
type Sink interface {
	OnTranscript(TranscriptEvent)
	OnStatus(Status)
}

// rtSession is the slice of realtime.Session the orchestrator drives,
// injectable for tests.
type rtSession interface {
	Start(ctx context.Context, stream *capture.Stream) error
	Stop()
	Events() <-chan realtime.Event
	SetMuted(bool)
	Stats() realtime.Stats
}

// Options configures an orchestrator. One instance per active meeting.
type Options struct {
	Surface   *capture.Surface
	Policy    backoff.Policy
	Signaler  *realtime.Signaler
	Session   realtime.SessionConfig
	MicDevice string
	Sinks     []Sink
}

// Orchestrator owns both realtime sessions and both capture streams for
// one meeting. All meeting state lives here; there are no package
// globals, so stopping one orchestrator can never corrupt another.
type Orchestrator struct {
	opts Options
	log  *slog.Logger

	// newSession builds one role's session; tests swap in fakes.
	newSession func(role realtime.Role) rtSession

	// now stamps transcript events and latency baselines.
	now func() time.Time

	mu        sync.Mutex
	sessions  map[realtime.Role]rtSession
	streams   map[realtime.Role]*capture.Stream
	status    Status
	baselines map[realtime.Role]time.Time
	silence   map[realtime.Role]time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// New builds an orchestrator. Run drives it.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		opts:      opts,
		log:       logging.L("meeting"),
		now:       time.Now,
		sessions:  make(map[realtime.Role]rtSession),
		streams:   make(map[realtime.Role]*capture.Stream),
		baselines: make(map[realtime.Role]time.Time),
		silence:   make(map[realtime.Role]time.Duration),
		done:      make(chan struct{}),
	}
	o.newSession = func(role realtime.Role) rtSession {
		return realtime.NewSession(role, opts.Session, opts.Signaler)
	}
	return o
}

// Run acquires both streams, starts both sessions concurrently and
// processes their events until Stop is called, the context ends, or
// either session fails. Any failure tears the whole orchestration down;
// a half-running meeting is never left behind.
func (o *Orchestrator) Run(ctx context.Context) error {
	micStream, err := capture.AcquireMicrophone(ctx, o.opts.Surface, o.opts.MicDevice)
	if err != nil {
		return fmt.Errorf("acquire microphone: %w", err)
	}
	o.putStream(realtime.RoleMicrophone, micStream)

	outcome := capture.AcquireSystemAudio(ctx, o.opts.Surface, o.opts.Policy)
	o.mu.Lock()
	o.status.CaptureStrategy = outcome.Strategy
	o.status.CaptureAttempts = outcome.Attempts
	o.mu.Unlock()
	if outcome.Err != nil {
		o.teardown()
		return fmt.Errorf("acquire system audio: %w", outcome.Err)
	}
	o.putStream(realtime.RoleSystemAudio, outcome.Stream)

	select {
	case <-o.done:
		// Stop raced the capture phase; the streams just acquired are
		// disposable on arrival.
		o.teardown()
		return nil
	default:
	}

	mic := o.newSession(realtime.RoleMicrophone)
	sys := o.newSession(realtime.RoleSystemAudio)
	o.mu.Lock()
	o.sessions[realtime.RoleMicrophone] = mic
	o.sessions[realtime.RoleSystemAudio] = sys
	o.mu.Unlock()

	// Start both sessions concurrently so negotiation latency is not
	// additive; completion order is unconstrained.
	startErrs := make(chan error, 2)
	var startWG sync.WaitGroup
	for _, role := range []realtime.Role{realtime.RoleMicrophone, realtime.RoleSystemAudio} {
		role := role
		startWG.Add(1)
		go func() {
			defer startWG.Done()
			if err := o.session(role).Start(ctx, o.stream(role)); err != nil {
				startErrs <- fmt.Errorf("%s session: %w", role, err)
			}
		}()
	}
	startWG.Wait()
	close(startErrs)
	if err := <-startErrs; err != nil {
		o.teardown()
		return err
	}

	o.log.Info("meeting started",
		slog.String("captureStrategy", outcome.Strategy),
		slog.Int("captureAttempts", outcome.Attempts),
	)

	return o.eventLoop(ctx, mic.Events(), sys.Events())
}

// eventLoop fans in both sessions' events until both channels close or a
// fatal condition stops the meeting.
func (o *Orchestrator) eventLoop(ctx context.Context, mic, sys <-chan realtime.Event) error {
	merged := make(chan realtime.Event, 128)
	var forwardWG sync.WaitGroup
	for _, ch := range []<-chan realtime.Event{mic, sys} {
		ch := ch
		forwardWG.Add(1)
		go func() {
			defer forwardWG.Done()
			for ev := range ch {
				merged <- ev
			}
		}()
	}
	go func() {
		forwardWG.Wait()
		close(merged)
	}()

	var fatal error
	for {
		select {
		case <-ctx.Done():
			o.Stop()
			drainEvents(merged)
			return ctx.Err()
		case <-o.done:
			drainEvents(merged)
			return fatal
		case ev, ok := <-merged:
			if !ok {
				// Both sessions closed their channels; the meeting is over.
				o.Stop()
				return fatal
			}
			// Once teardown has begun, remaining buffered events are
			// drained without handling so no transcript leaks out of a
			// meeting that is already down.
			select {
			case <-o.done:
				continue
			default:
			}
			if fatal != nil {
				continue
			}
			if err := o.handleEvent(ev); err != nil {
				fatal = err
				o.Stop()
			}
		}
	}
}

// drainEvents unblocks the forwarding goroutines so closed sessions can
// finish flushing after the loop has decided to exit.
func drainEvents(ch <-chan realtime.Event) {
	for range ch {
	}
}

// handleEvent routes one session event. The returned error, when
// non-nil, is fatal to the whole meeting.
func (o *Orchestrator) handleEvent(ev realtime.Event) error {
	switch ev.Kind {
	case realtime.EventConnected:
		o.setRoleState(ev.Role, "connected")
		o.publishStatus()
	case realtime.EventDisconnected:
		o.setRoleState(ev.Role, ev.Reason)
		o.publishStatus()
		if ev.Reason == "failed" {
			return fmt.Errorf("%s session failed", ev.Role)
		}
	case realtime.EventSessionReady:
		o.mu.Lock()
		o.silence[ev.Role] = ev.SilenceDuration
		o.mu.Unlock()
		o.log.Info("session ready",
			slog.String(logging.KeyRole, string(ev.Role)),
			slog.Duration("vadSilence", ev.SilenceDuration),
		)
	case realtime.EventSpeechStarted:
		o.log.Debug("speech started", slog.String(logging.KeyRole, string(ev.Role)))
	case realtime.EventSpeechStopped:
		// The server reports speech_stopped only after the silence window
		// has fully elapsed, so the utterance actually ended one window
		// earlier. Baselines are namespaced per role; the other role's
		// timers are never consulted.
		o.mu.Lock()
		o.baselines[ev.Role] = ev.Time.Add(-o.silence[ev.Role])
		o.mu.Unlock()
	case realtime.EventTranscript:
		o.forwardTranscript(ev)
	case realtime.EventError:
		return fmt.Errorf("%s session: %w", ev.Role, ev.Err)
	}
	return nil
}

// forwardTranscript stamps latency on finals and fans the event out to
// every sink.
func (o *Orchestrator) forwardTranscript(ev realtime.Event) {
	out := TranscriptEvent{
		Role:    ev.Role,
		Text:    ev.Text,
		Partial: ev.Partial,
		Time:    ev.Time,
	}
	if !ev.Partial {
		o.mu.Lock()
		if baseline, ok := o.baselines[ev.Role]; ok {
			out.Latency = o.now().Sub(baseline)
			out.HasLatency = true
			// One-shot: a second final without a new speech_stopped must
			// not reuse a stale baseline.
			delete(o.baselines, ev.Role)
		}
		o.mu.Unlock()
	}
	for _, sink := range o.opts.Sinks {
		sink.OnTranscript(out)
	}
}

// SetMuted gates one role's outgoing audio.
func (o *Orchestrator) SetMuted(role realtime.Role, muted bool) {
	if s := o.session(role); s != nil {
		s.SetMuted(muted)
	}
}

// Status returns a snapshot with fresh transport stats folded in.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	status := o.status
	mic := o.sessions[realtime.RoleMicrophone]
	sys := o.sessions[realtime.RoleSystemAudio]
	o.mu.Unlock()

	if mic != nil {
		st := mic.Stats()
		status.Microphone.RTT = st.RTT
		status.Microphone.FractionLost = st.FractionLost
	}
	if sys != nil {
		st := sys.Stats()
		status.SystemAudio.RTT = st.RTT
		status.SystemAudio.FractionLost = st.FractionLost
	}
	return status
}

// Stop tears down both sessions and both streams. Idempotent; safe to
// call from any goroutine, including before Run got anywhere.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.done)
		o.teardown()
		o.log.Info("meeting stopped")
	})
}

// teardown stops sessions first so nothing is reading the streams, then
// closes the streams the orchestrator owns, then resets per-role state.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	sessions := make([]rtSession, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	streams := make([]*capture.Stream, 0, len(o.streams))
	for _, st := range o.streams {
		streams = append(streams, st)
	}
	o.sessions = make(map[realtime.Role]rtSession)
	o.streams = make(map[realtime.Role]*capture.Stream)
	o.baselines = make(map[realtime.Role]time.Time)
	o.silence = make(map[realtime.Role]time.Duration)
	o.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, st := range streams {
		st.Close()
	}
}

func (o *Orchestrator) session(role realtime.Role) rtSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[role]
}

func (o *Orchestrator) stream(role realtime.Role) *capture.Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streams[role]
}

func (o *Orchestrator) putStream(role realtime.Role, s *capture.Stream) {
	o.mu.Lock()
	o.streams[role] = s
	o.mu.Unlock()
}

func (o *Orchestrator) setRoleState(role realtime.Role, state string) {
	o.mu.Lock()
	switch role {
	case realtime.RoleMicrophone:
		o.status.Microphone.State = state
	case realtime.RoleSystemAudio:
		o.status.SystemAudio.State = state
	}
	o.mu.Unlock()
}

func (o *Orchestrator) publishStatus() {
	status := o.Status()
	for _, sink := range o.opts.Sinks {
		sink.OnStatus(status)
	}
}

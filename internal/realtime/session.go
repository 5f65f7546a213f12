package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/ArpitJ1993/CHEATS-APP/internal/capture"
	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

const (
	iceGatherTimeout = 20 * time.Second
	statsInterval    = 5 * time.Second
	eventBuffer      = 64

	dataChannelLabel = "oai-events"
)

// Stats is a point-in-time snapshot of session transport health.
type Stats struct {
	RTT           time.Duration
	FractionLost  float64
	DroppedEvents uint64
}

// Session owns one peer connection, one data channel and one outgoing
// PCMU track for a single audio role. The media stream it reads frames
// from is borrowed: Stop tears down the connection but never stops the
// stream's tracks, because the orchestrator owns stream lifetime.
type Session struct {
	role     Role
	cfg      SessionConfig
	signaler *Signaler
	log      *slog.Logger

	mu       sync.Mutex
	started  bool
	closed   bool
	peerConn *webrtc.PeerConnection
	dataCh   *webrtc.DataChannel
	track    *webrtc.TrackLocalStaticSample
	lastRTT  time.Duration
	lastLoss float64

	muted   atomic.Bool
	dropped atomic.Uint64

	events   chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSession builds a session for the given role. Start wires it up.
func NewSession(role Role, cfg SessionConfig, signaler *Signaler) *Session {
	return &Session{
		role:     role,
		cfg:      cfg,
		signaler: signaler,
		log:      logging.WithRole(logging.L("realtime"), string(role)),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// Role returns the session's audio role.
func (s *Session) Role() Role { return s.role }

// Events is the session's outbound event channel. It is closed by Stop.
func (s *Session) Events() <-chan Event { return s.events }

// Start negotiates the peer connection and begins pumping audio from the
// borrowed stream. A returned error means the session never came up; the
// same error is also emitted on the event channel so a caller driving
// multiple sessions from their events sees every failure in one place.
func (s *Session) Start(ctx context.Context, stream *capture.Stream) error {
	if err := s.start(ctx, stream); err != nil {
		s.emit(Event{Kind: EventError, Role: s.role, Time: time.Now(), Err: err})
		s.Stop()
		return err
	}
	return nil
}

func (s *Session) start(ctx context.Context, stream *capture.Stream) error {
	if stream == nil {
		return fmt.Errorf("start %s session: nil stream", s.role)
	}
	audioTracks := stream.AudioTracks()
	if len(audioTracks) == 0 {
		return fmt.Errorf("start %s session: stream has no audio track", s.role)
	}
	source := audioTracks[0]

	// Fail before any transport setup when negotiation cannot possibly
	// succeed; the message is clearer than a 401 minutes later.
	if s.signaler == nil {
		return fmt.Errorf("start %s session: no signaler configured", s.role)
	}
	if s.signaler.apiKey == "" {
		return fmt.Errorf("start %s session: api key is not configured", s.role)
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("start %s session: already started", s.role)
	}
	s.started = true
	s.mu.Unlock()

	peerConn, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	s.mu.Lock()
	s.peerConn = peerConn
	s.mu.Unlock()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: 8000,
			Channels:  1,
		},
		"audio",
		string(s.role),
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	sender, err := peerConn.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	s.mu.Lock()
	s.track = track
	s.mu.Unlock()

	dataCh, err := peerConn.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	s.mu.Lock()
	s.dataCh = dataCh
	s.mu.Unlock()

	dataCh.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleMessage(msg.Data)
	})
	if s.signaler != nil && s.signaler.mode == ModeDirect {
		// Direct mode has no broker binding the config, so push it over
		// the channel as soon as it opens.
		dataCh.OnOpen(func() {
			if err := s.SendMessage(map[string]any{
				"type":    "transcription_session.update",
				"session": s.cfg,
			}); err != nil {
				s.log.Warn("session update send failed", slog.Any(logging.KeyError, err))
			}
		})
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("connection state", slog.String(logging.KeyState, state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.emit(Event{Kind: EventConnected, Role: s.role, Time: time.Now()})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.emit(Event{
				Kind:   EventDisconnected,
				Role:   s.role,
				Time:   time.Now(),
				Reason: state.String(),
			})
		}
	})

	offer, err := peerConn.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := peerConn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	// Wait for ICE gathering so the offer carries every candidate; the
	// exchange is a single HTTP round trip with no trickle path.
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return fmt.Errorf("ice gathering timed out after %s", iceGatherTimeout)
	case <-s.done:
		return fmt.Errorf("session stopped during ice gathering")
	case <-ctx.Done():
		return ctx.Err()
	}

	local := peerConn.LocalDescription()
	if local == nil {
		return fmt.Errorf("local description not available")
	}

	answer, err := s.signaler.Negotiate(ctx, local.SDP, s.cfg)
	if err != nil {
		return fmt.Errorf("negotiate %s session: %w", s.role, err)
	}
	if err := peerConn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpFrames(source, track)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drainRTCP(sender)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.statsLoop(peerConn)
	}()

	s.log.Info("session negotiated")
	return nil
}

// sampleWriter is the outgoing side of the frame pump, narrowed from
// TrackLocalStaticSample so tests can count writes.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// pumpFrames writes 20ms μ-law frames from the borrowed track to the
// outgoing PCMU track. Muted sessions keep reading frames but write
// none, so the source never backs up and unmute resumes instantly.
func (s *Session) pumpFrames(source *capture.Track, out sampleWriter) {
	for {
		select {
		case <-s.done:
			return
		case <-source.Done():
			return
		case frame, ok := <-source.Frames():
			if !ok {
				return
			}
			if s.muted.Load() {
				continue
			}
			if err := out.WriteSample(media.Sample{
				Data:     frame,
				Duration: capture.FrameDuration,
			}); err != nil {
				s.log.Warn("audio sample write failed", slog.Any(logging.KeyError, err))
			}
		}
	}
}

// drainRTCP reads receiver reports off the sender so the transport never
// blocks on backpressure, keeping the latest loss figure as it goes.
func (s *Session) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				s.mu.Lock()
				s.lastLoss = float64(report.FractionLost) / 256.0
				s.mu.Unlock()
			}
		}
	}
}

// statsLoop samples the remote inbound audio stats for round-trip time.
func (s *Session) statsLoop(peerConn *webrtc.PeerConnection) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			rtt, ok := extractRemoteInboundAudioRTT(peerConn.GetStats())
			if !ok {
				continue
			}
			s.mu.Lock()
			s.lastRTT = rtt
			s.mu.Unlock()
		}
	}
}

func extractRemoteInboundAudioRTT(report webrtc.StatsReport) (time.Duration, bool) {
	for _, stat := range report {
		ri, ok := stat.(webrtc.RemoteInboundRTPStreamStats)
		if !ok || ri.Kind != "audio" {
			continue
		}
		return time.Duration(ri.RoundTripTime * float64(time.Second)), true
	}
	return 0, false
}

// handleMessage parses one inbound data channel message and forwards the
// typed event. Unknown types are dropped after a debug log.
func (s *Session) handleMessage(data []byte) {
	ev, ok, err := parseServerEvent(s.role, data, time.Now())
	if err != nil {
		s.log.Warn("bad server event", slog.Any(logging.KeyError, err))
		return
	}
	if !ok {
		s.log.Debug("unhandled server event", slog.String("payload", truncate(string(data), 120)))
		return
	}
	s.emit(ev)
}

// emit delivers an event without ever blocking the producer. On a full
// channel the event is counted as dropped and logged. Pion callbacks can
// still fire after Stop, so emits on a closed session are dropped under
// the same lock that guards the channel close.
func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
		s.log.Warn("event channel full, dropping event",
			slog.String("kind", ev.Kind.String()),
		)
	}
}

// SendMessage serializes the payload and writes it to the data channel.
// The channel must be open; there is no internal queueing.
func (s *Session) SendMessage(payload any) error {
	s.mu.Lock()
	dataCh := s.dataCh
	s.mu.Unlock()
	if dataCh == nil {
		return fmt.Errorf("send on %s session: no data channel", s.role)
	}
	if dataCh.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("send on %s session: data channel is %s", s.role, dataCh.ReadyState())
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return dataCh.SendText(string(data))
}

// SetMuted gates the outgoing track. Nothing is closed; frames keep
// draining from the source either way.
func (s *Session) SetMuted(muted bool) {
	s.muted.Store(muted)
	s.log.Info("mute changed", slog.Bool("muted", muted))
}

// Muted reports the current mute gate.
func (s *Session) Muted() bool { return s.muted.Load() }

// Stats returns the latest transport snapshot.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		RTT:           s.lastRTT,
		FractionLost:  s.lastLoss,
		DroppedEvents: s.dropped.Load(),
	}
}

// Stop closes the data channel and peer connection, waits for the pumps
// and closes the event channel. Safe to call repeatedly and safe to call
// on a session that never started. The borrowed stream is untouched.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		dataCh := s.dataCh
		peerConn := s.peerConn
		s.dataCh = nil
		s.peerConn = nil
		s.track = nil
		s.mu.Unlock()

		if dataCh != nil {
			_ = dataCh.Close()
		}
		if peerConn != nil {
			_ = peerConn.Close()
		}

		s.wg.Wait()

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.events)
		s.log.Info("session stopped")
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

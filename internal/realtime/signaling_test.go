package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testOfferSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\n"
const testAnswerSDP = "v=0\r\no=- 1 1 IN IP4 203.0.113.9\r\ns=-\r\n"

func testConfig() SessionConfig {
	return NewSessionConfig("gpt-4o-mini-transcribe", "en", 0.5, 300, 500)
}

func TestNegotiate_TokenMode(t *testing.T) {
	var sessionAuth, sdpAuth, sdpContentType, sdpBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/realtime/transcription_sessions":
			sessionAuth = r.Header.Get("Authorization")
			var cfg SessionConfig
			if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
				t.Errorf("session body did not decode: %v", err)
			}
			if cfg.InputAudioFormat != "g711_ulaw" {
				t.Errorf("input_audio_format = %q, want g711_ulaw", cfg.InputAudioFormat)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"client_secret": map[string]any{"value": "ek_test_123"},
			})
		case "/v1/realtime":
			sdpAuth = r.Header.Get("Authorization")
			sdpContentType = r.Header.Get("Content-Type")
			body, _ := io.ReadAll(r.Body)
			sdpBody = string(body)
			w.Write([]byte(testAnswerSDP))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	sig := NewSignaler(srv.URL, "sk-test", ModeToken)
	answer, err := sig.Negotiate(context.Background(), testOfferSDP, testConfig())
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if answer != testAnswerSDP {
		t.Errorf("answer = %q, want %q", answer, testAnswerSDP)
	}
	if sessionAuth != "Bearer sk-test" {
		t.Errorf("session auth = %q, want the long-lived key", sessionAuth)
	}
	if sdpAuth != "Bearer ek_test_123" {
		t.Errorf("sdp auth = %q, want the ephemeral credential", sdpAuth)
	}
	if sdpContentType != "application/sdp" {
		t.Errorf("sdp content type = %q, want application/sdp", sdpContentType)
	}
	if sdpBody != testOfferSDP {
		t.Errorf("sdp body = %q, want the raw offer", sdpBody)
	}
}

func TestNegotiate_DirectMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q, want the long-lived key", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("request is not multipart: %v", err)
		}
		if got := r.FormValue("sdp"); got != testOfferSDP {
			t.Errorf("sdp field = %q, want the raw offer", got)
		}
		var cfg SessionConfig
		if err := json.Unmarshal([]byte(r.FormValue("session")), &cfg); err != nil {
			t.Errorf("session field did not decode: %v", err)
		}
		if cfg.TurnDetection == nil || cfg.TurnDetection.SilenceDurationMs != 500 {
			t.Errorf("session field lost the turn detection config: %+v", cfg.TurnDetection)
		}
		w.Write([]byte(testAnswerSDP))
	}))
	defer srv.Close()

	sig := NewSignaler(srv.URL, "sk-test", ModeDirect)
	answer, err := sig.Negotiate(context.Background(), testOfferSDP, testConfig())
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if answer != testAnswerSDP {
		t.Errorf("answer = %q, want %q", answer, testAnswerSDP)
	}
}

func TestNegotiate_BrokerFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	sig := NewSignaler(srv.URL, "sk-bad", ModeToken)
	_, err := sig.Negotiate(context.Background(), testOfferSDP, testConfig())
	if err == nil {
		t.Fatal("Negotiate succeeded against a 401 broker")
	}

	var sigErr *SignalingError
	if !errors.As(err, &sigErr) {
		t.Fatalf("error %T is not a SignalingError", err)
	}
	if sigErr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", sigErr.Status)
	}
	if !strings.Contains(sigErr.Body, "bad key") {
		t.Errorf("Body snippet %q does not carry the server message", sigErr.Body)
	}
	if !sigErr.SignalingFault() {
		t.Error("SignalingFault() = false")
	}
	if calls != 1 {
		t.Errorf("broker called %d times, want exactly 1 (no retries at this layer)", calls)
	}
}

func TestNegotiate_MissingClientSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sig := NewSignaler(srv.URL, "sk-test", ModeToken)
	_, err := sig.Negotiate(context.Background(), testOfferSDP, testConfig())
	if err == nil || !strings.Contains(err.Error(), "client secret") {
		t.Fatalf("err = %v, want a missing client secret error", err)
	}
}

func TestNegotiate_MissingKey(t *testing.T) {
	sig := NewSignaler("https://api.example.com", "", ModeToken)
	_, err := sig.Negotiate(context.Background(), testOfferSDP, testConfig())
	if err == nil {
		t.Fatal("Negotiate succeeded with no api key")
	}
}

package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

// Mode selects how the SDP exchange is authenticated.
type Mode string

const (
	// ModeToken first trades the long-lived API key for a short-lived
	// session credential, then exchanges SDP with that credential.
	ModeToken Mode = "token"
	// ModeDirect sends the session config and SDP in one multipart
	// request authenticated with the long-lived key.
	ModeDirect Mode = "direct"
)

const (
	signalingTimeout = 15 * time.Second
	bodySnippetLen   = 512
)

// SignalingError reports a non-success response from either negotiation
// endpoint. It is never retried at this layer; session start surfaces it
// to the caller.
type SignalingError struct {
	Op     string
	Status int
	Body   string
}

func (e *SignalingError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Body)
}

// SignalingFault tags the error so the capture layer's classifier can
// recognize it without an import cycle.
func (e *SignalingError) SignalingFault() bool { return true }

// Signaler exchanges a local SDP offer for a remote answer against the
// realtime HTTP surface.
type Signaler struct {
	root   string
	apiKey string
	mode   Mode
	http   *http.Client
	log    *slog.Logger
}

// NewSignaler builds a signaler for the given API root.
func NewSignaler(root, apiKey string, mode Mode) *Signaler {
	return &Signaler{
		root:   strings.TrimRight(root, "/"),
		apiKey: apiKey,
		mode:   mode,
		http:   &http.Client{Timeout: signalingTimeout},
		log:    logging.L("signaling"),
	}
}

// Negotiate exchanges the offer for an answer. Both modes return the raw
// answer SDP; the caller applies it as the remote description.
func (s *Signaler) Negotiate(ctx context.Context, offerSDP string, cfg SessionConfig) (string, error) {
	if s.apiKey == "" {
		return "", fmt.Errorf("negotiate: api key is not configured")
	}
	if s.mode == ModeDirect {
		return s.negotiateDirect(ctx, offerSDP, cfg)
	}
	return s.negotiateToken(ctx, offerSDP, cfg)
}

// negotiateToken runs the two-step exchange: create a transcription
// session to obtain an ephemeral credential, then post the offer SDP
// authenticated with it.
func (s *Signaler) negotiateToken(ctx context.Context, offerSDP string, cfg SessionConfig) (string, error) {
	token, err := s.createSession(ctx, cfg)
	if err != nil {
		return "", err
	}

	url := s.root + "/v1/realtime?intent=transcription"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	body, err := s.do(req, "exchange sdp")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// createSession posts the session config to the broker endpoint and
// returns the ephemeral credential.
func (s *Signaler) createSession(ctx context.Context, cfg SessionConfig) (string, error) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal session config: %w", err)
	}

	url := s.root + "/v1/realtime/transcription_sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	body, err := s.do(req, "create session")
	if err != nil {
		return "", err
	}

	var resp struct {
		ClientSecret struct {
			Value string `json:"value"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if resp.ClientSecret.Value == "" {
		return "", fmt.Errorf("session response carried no client secret")
	}
	return resp.ClientSecret.Value, nil
}

// negotiateDirect sends the offer and session config as one multipart
// form authenticated with the long-lived key.
func (s *Signaler) negotiateDirect(ctx context.Context, offerSDP string, cfg SessionConfig) (string, error) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal session config: %w", err)
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("sdp", offerSDP); err != nil {
		return "", fmt.Errorf("write sdp field: %w", err)
	}
	if err := form.WriteField("session", string(payload)); err != nil {
		return "", fmt.Errorf("write session field: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.root+"/v1/realtime", &buf)
	if err != nil {
		return "", fmt.Errorf("build direct request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	body, err := s.do(req, "exchange sdp")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// do executes one request and reads the body. Non-2xx responses become a
// SignalingError carrying a snippet of the body for diagnostics.
func (s *Signaler) do(req *http.Request, op string) ([]byte, error) {
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > bodySnippetLen {
			snippet = snippet[:bodySnippetLen]
		}
		s.log.Warn("negotiation request failed",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
		)
		return nil, &SignalingError{Op: op, Status: resp.StatusCode, Body: snippet}
	}
	return body, nil
}

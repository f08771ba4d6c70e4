// Package history is the REST boundary of the transcription service: the
// one-shot transcript fetch used for initial and historical views, plus the
// bot-stop and recognition-language calls.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scribefeed/scribefeed/pkg/types"
)

// REST errors.
var (
	// ErrAuth indicates the API key was missing or rejected.
	ErrAuth = errors.New("history: missing or rejected credential")

	// ErrNotFound indicates the meeting is unknown to the service.
	ErrNotFound = errors.New("history: meeting not found")
)

// UpstreamError wraps a failed state-changing call (stop, language update).
// Callers leave local state untouched when they receive one, so the view
// never claims a state the server did not confirm.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("history: %s: upstream status %d: %s", e.Op, e.Status, e.Body)
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests, custom
// transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Client calls the transcription service's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client. baseURL and apiKey must be non-empty.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("history: baseURL must not be empty")
	}
	if apiKey == "" {
		return nil, errors.New("history: apiKey must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SetAPIKey replaces the credential used on subsequent requests.
func (c *Client) SetAPIKey(key string) {
	c.apiKey = key
}

// wireSegment mirrors the REST transcript segment shape. It matches the
// streaming shape so both sources normalize into the same segment type.
type wireSegment struct {
	Text          string `json:"text"`
	Speaker       string `json:"speaker"`
	Language      string `json:"language"`
	SessionUID    string `json:"session_uid"`
	AbsoluteStart string `json:"absolute_start_time"`
	AbsoluteEnd   string `json:"absolute_end_time"`
	UpdatedAt     string `json:"updated_at"`
}

type transcriptResponse struct {
	Segments []wireSegment `json:"segments"`
	Status   string        `json:"status"`
	Language string        `json:"language"`
}

// Transcript fetches the full transcript page for a meeting in one shot.
func (c *Client) Transcript(ctx context.Context, ref types.MeetingRef) (*types.TranscriptPage, error) {
	endpoint := fmt.Sprintf("%s/transcripts/%s/%s", c.baseURL, ref.Platform, ref.NativeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: fetch transcript: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("history: fetch transcript: %w", err)
	}

	var tr transcriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("history: decode transcript: %w", err)
	}

	page := &types.TranscriptPage{
		Segments: make([]types.Segment, 0, len(tr.Segments)),
		Status:   types.MeetingStatus(tr.Status),
		Language: tr.Language,
	}
	for _, ws := range tr.Segments {
		page.Segments = append(page.Segments, types.Segment{
			Text:       ws.Text,
			Speaker:    ws.Speaker,
			Language:   ws.Language,
			SessionUID: ws.SessionUID,
			Start:      parseTime(ws.AbsoluteStart),
			End:        parseTime(ws.AbsoluteEnd),
			UpdatedAt:  parseTime(ws.UpdatedAt),
		})
	}
	return page, nil
}

// Stop asks the service to remove the bot from the meeting and end
// transcription server-side.
func (c *Client) Stop(ctx context.Context, ref types.MeetingRef) error {
	endpoint := fmt.Sprintf("%s/bots/%s/%s", c.baseURL, ref.Platform, ref.NativeID)
	return c.call(ctx, "stop", http.MethodDelete, endpoint, nil)
}

// UpdateLanguage changes the server-side recognition language for a live
// meeting. Callers reset local transcript state only after this succeeds.
func (c *Client) UpdateLanguage(ctx context.Context, ref types.MeetingRef, language string) error {
	if language == "" {
		return errors.New("history: language must not be empty")
	}
	endpoint := fmt.Sprintf("%s/bots/%s/%s/config", c.baseURL, ref.Platform, ref.NativeID)
	body := map[string]string{"language": language}
	return c.call(ctx, "update language", http.MethodPut, endpoint, body)
}

// call performs a state-changing request and maps failures to the error
// taxonomy.
func (c *Client) call(ctx context.Context, op, method, endpoint string, body any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("history: %s: marshal body: %w", op, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return fmt.Errorf("history: %s: build request: %w", op, err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("history: %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("history: %s: %w", op, ErrAuth)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("history: %s: %w", op, ErrNotFound)
	default:
		return &UpstreamError{Op: op, Status: resp.StatusCode, Body: readBody(resp.Body)}
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuth
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, readBody(resp.Body))
	}
}

// readBody returns a bounded snippet of a response body for diagnostics.
func readBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil {
		return "(unreadable body)"
	}
	return strings.TrimSpace(string(data))
}

// parseTime parses an RFC 3339 timestamp, returning the zero time for empty
// or malformed input. The reconciler handles unkeyable segments.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

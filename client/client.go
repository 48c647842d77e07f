package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for API-level failure modes callers branch on.
var (
	// ErrSessionBusy is returned when the session already has an active job.
	ErrSessionBusy = errors.New("session already has an active job")
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("not found")
)

// Options configure a Client.
type Options struct {
	// BaseURL is the server address, e.g. "http://localhost:8080". Required.
	BaseURL string
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	// Logger is optional.
	Logger *slog.Logger
}

// Client is a thin HTTP wrapper over the agentd API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New constructs an API client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		logger:  logger.With("component", "api_client"),
	}, nil
}

// apiError is the server's JSON error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) decodeError(resp *http.Response) error {
	var envelope apiError
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrSessionBusy, envelope.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, envelope.Message)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, envelope.Message)
	}
}

// SubmitMessage submits a prompt against the session, enqueueing an
// agent job. Returns ErrSessionBusy when a job is already active.
// messageID is optional; supplying one keeps retried submissions
// idempotent.
func (c *Client) SubmitMessage(ctx context.Context, sessionID, prompt, messageID string) (*SubmitAck, error) {
	body, err := json.Marshal(map[string]string{
		"prompt":     prompt,
		"message_id": messageID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/sessions/"+url.PathEscape(sessionID)+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit message: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return nil, c.decodeError(resp)
	}

	var ack SubmitAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode submit ack: %w", err)
	}
	return &ack, nil
}

// GetMessages fetches messages strictly after the cursor. An empty
// cursor fetches from the beginning of the log.
func (c *Client) GetMessages(ctx context.Context, sessionID, after string, limit int) (*MessagePage, error) {
	endpoint := c.baseURL + "/api/sessions/" + url.PathEscape(sessionID) + "/messages"
	query := url.Values{}
	if after != "" {
		query.Set("after", after)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var page MessagePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	return &page, nil
}

// CancelJob requests cancellation of the session's active job.
func (c *Client) CancelJob(ctx context.Context, sessionID string) (*CancelAck, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/sessions/"+url.PathEscape(sessionID)+"/cancel", strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var ack CancelAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("decode cancel ack: %w", err)
	}
	return &ack, nil
}

// LiveUpdates opens the session's live stream and returns a channel of
// frames. The channel closes when the stream ends or ctx is done. The
// stream is best-effort: callers re-baseline from GetMessages after any
// disconnect instead of assuming gapless delivery.
func (c *Client) LiveUpdates(ctx context.Context, sessionID string) (<-chan LiveFrame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/sessions/"+url.PathEscape(sessionID)+"/live", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open live stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer drainAndClose(resp.Body)
		return nil, c.decodeError(resp)
	}

	frames := make(chan LiveFrame, 16)
	go func() {
		defer close(frames)
		defer drainAndClose(resp.Body)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var frame LiveFrame
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
				c.logger.Debug("skipping malformed live frame", "error", err)
				continue
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}

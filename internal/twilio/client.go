// Package twilio talks to the Twilio REST API. The pipeline uses it for one
// thing: redirecting a live call to play a synthesized clip.
package twilio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PlaybackError reports a rejected call-update request.
type PlaybackError struct {
	CallSID string
	Status  int
	Body    string
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("twilio: playback update for %s failed with status %d: %s", e.CallSID, e.Status, e.Body)
}

// Client issues authenticated requests against one Twilio account.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	http       *http.Client
	log        *slog.Logger
}

func NewClient(accountSID, authToken, baseURL string, httpClient *http.Client, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.twilio.com/2010-04-01"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		http:       httpClient,
		log:        log,
	}
}

// Play updates the live call to play the clip at assetURL. Twilio resumes the
// media stream once the clip finishes.
func (c *Client) Play(ctx context.Context, callSID, assetURL string) error {
	form := url.Values{}
	form.Set("Twiml", PlayTwiML(assetURL))

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("twilio: build call update: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("twilio: call update request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &PlaybackError{CallSID: callSID, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// Package notify sends push notifications through an Expo-compatible push gateway.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Message is one push addressed to a device token.
type Message struct {
	To    string            `json:"to"`
	Title string            `json:"title,omitempty"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

// Result is the gateway's verdict for the message at the same index.
type Result struct {
	To    string
	OK    bool
	Error string
}

// Notifier delivers pushes. An error means the whole batch failed; per-recipient
// failures are reported in the results.
type Notifier interface {
	Send(ctx context.Context, msgs []Message) ([]Result, error)
}

// Noop accepts every message and delivers nothing.
type Noop struct{}

// Send reports every message as delivered.
func (Noop) Send(_ context.Context, msgs []Message) ([]Result, error) {
	results := make([]Result, len(msgs))
	for i, m := range msgs {
		results[i] = Result{To: m.To, OK: true}
	}
	return results, nil
}

// HTTPGateway posts batches to a push gateway URL.
type HTTPGateway struct {
	client *http.Client
	url    string
	token  string
}

// NewHTTPGateway constructs an HTTPGateway. token is sent as a bearer token when set.
func NewHTTPGateway(endpoint, token string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		client: &http.Client{Timeout: timeout},
		url:    strings.TrimRight(endpoint, "/"),
		token:  token,
	}
}

type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send posts msgs as one JSON array and maps the returned tickets to results.
func (g *HTTPGateway) Send(ctx context.Context, msgs []Message) ([]Result, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &GatewayError{Status: resp.StatusCode}
	}

	var payload struct {
		Data []ticket `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode push tickets: %w", err)
	}

	results := make([]Result, len(msgs))
	for i, m := range msgs {
		results[i] = Result{To: m.To}
		if i >= len(payload.Data) {
			results[i].Error = "no ticket returned"
			continue
		}
		t := payload.Data[i]
		results[i].OK = t.Status == "ok"
		if !results[i].OK {
			results[i].Error = t.Message
		}
	}
	return results, nil
}

// GatewayError is a non-successful gateway response.
type GatewayError struct {
	Status int
}

func (e *GatewayError) Error() string {
	return "push gateway responded with status " + http.StatusText(e.Status)
}

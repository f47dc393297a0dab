package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NotificationError distinguishes retryable gateway failures from permanent
// ones (invalid number, provider rejection).
type NotificationError struct {
	Permanent bool
	Err       error
}

func (e *NotificationError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("sms permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("sms transient failure: %v", e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

func isPermanent(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne) && ne.Permanent
}

// Gateway sends one SMS. Implementations must be safe for concurrent use.
type Gateway interface {
	Send(ctx context.Context, phone, message string) error
}

// HTTPGateway posts {recipient, sender, message} with an api-key header,
// the contract of Arkesel-style SMS APIs.
type HTTPGateway struct {
	url    string
	apiKey string
	sender string
	client *http.Client
}

func NewHTTPGateway(url, apiKey, sender string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		url:    url,
		apiKey: apiKey,
		sender: sender,
		client: &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Message   string `json:"message"`
}

type sendResponse struct {
	Delivered *bool  `json:"delivered"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

func (g *HTTPGateway) Send(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(sendRequest{Recipient: phone, Sender: g.sender, Message: message})
	if err != nil {
		return &NotificationError{Permanent: true, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return &NotificationError{Permanent: true, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return &NotificationError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NotificationError{Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &NotificationError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	case resp.StatusCode >= 400:
		return &NotificationError{Permanent: true, Err: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var sr sendResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		// A 2xx with an unparseable body still counts as accepted.
		return nil
	}
	if sr.Error != "" {
		return &NotificationError{Permanent: true, Err: fmt.Errorf("gateway rejected: %s", sr.Error)}
	}
	// An explicit delivered=false is a failed delivery even on 2xx; the
	// status field says why when the gateway bothers to fill it.
	if sr.Delivered != nil && !*sr.Delivered {
		reason := sr.Status
		if reason == "" {
			reason = "not delivered"
		}
		return &NotificationError{Err: fmt.Errorf("gateway reported %s", reason)}
	}
	return nil
}

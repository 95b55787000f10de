// Package guard is the desktop-side half of the activation gate.  It polls
// the server, keeps a signed snapshot of what the server last said, notices
// when the local clock is moved, and decides whether the application must
// show the activation prompt.
package guard

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

// ErrUnreachable wraps transport failures and 5xx answers: the server could
// not give a decision, which is different from the server saying no.
var ErrUnreachable = errors.New("activation server unreachable")

// RejectKind classifies a refused activation code.
type RejectKind int

const (
	KindInvalid RejectKind = iota
	KindNotFound
	KindDisabled
	KindNotYetActive
)

func (k RejectKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindDisabled:
		return "disabled"
	case KindNotYetActive:
		return "not_yet_active"
	}
	return "invalid"
}

// RejectError is returned when the server refused a code.
type RejectError struct {
	Kind       RejectKind
	Message    string // server-supplied, user-facing
	StatusCode int
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("activation rejected (%s, http %d)", e.Kind, e.StatusCode)
}

// UserMessage is the text to show the user.
func (e *RejectError) UserMessage() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindNotFound:
		return "Invalid activation code. Please check your code and try again."
	case KindDisabled:
		return "This activation code has already been used or is disabled"
	case KindNotYetActive:
		return "This activation code is not yet active"
	}
	return "Invalid activation code"
}

// StatusResponse mirrors GET /activation/status.
type StatusResponse struct {
	RequiresActivation bool       `json:"requiresActivation"`
	ActiveCount        int        `json:"activeCount"`
	ServerTime         time.Time  `json:"serverTime"`
	LastUpdated        *time.Time `json:"lastUpdated"`
}

// TimeResponse mirrors GET /activation/time.
type TimeResponse struct {
	ServerTime time.Time `json:"serverTime"`
	Timestamp  int64     `json:"timestamp"`
	Timezone   string    `json:"timezone"`
}

// Activation is the record echoed back by a successful check.
type Activation struct {
	ID         string     `json:"id"`
	Code       string     `json:"code"`
	Status     string     `json:"status"`
	ActivateAt *time.Time `json:"activateAt"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// CheckResponse mirrors a successful POST /activation/check.
type CheckResponse struct {
	Valid      bool       `json:"valid"`
	Message    string     `json:"message"`
	ServerTime time.Time  `json:"serverTime"`
	Activation Activation `json:"activation"`
}

type rejectBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Reason  string `json:"reason"`
}

// Client talks JSON to the activation endpoints.
type Client struct {
	baseURL string // e.g. https://lab.example.com/api
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// Status fetches the gate decision.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/activation/status", nil, &out)
	return out, err
}

// ServerTime fetches the server clock.
func (c *Client) ServerTime(ctx context.Context) (TimeResponse, error) {
	var out TimeResponse
	err := c.do(ctx, http.MethodGet, "/activation/time", nil, &out)
	return out, err
}

// Check submits a code for consumption.
func (c *Client) Check(ctx context.Context, code string) (CheckResponse, error) {
	var out CheckResponse
	err := c.do(ctx, http.MethodPost, "/activation/check", map[string]string{"code": code}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: http %d", ErrUnreachable, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RejectError{Kind: KindInvalid, StatusCode: resp.StatusCode,
			Message: "Too many attempts. Please wait and try again."}
	case resp.StatusCode >= 400:
		return decodeReject(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnreachable, path, err)
	}
	return nil
}

func decodeReject(status int, raw []byte) *RejectError {
	var rb rejectBody
	_ = json.Unmarshal(raw, &rb)
	re := &RejectError{StatusCode: status, Message: rb.Message}
	switch rb.Reason {
	case "not_found":
		re.Kind = KindNotFound
	case "disabled":
		re.Kind = KindDisabled
	case "not_yet_active":
		re.Kind = KindNotYetActive
	case "invalid":
		re.Kind = KindInvalid
	default:
		// Older servers send no reason; only the status is left to go on.
		if status == http.StatusNotFound {
			re.Kind = KindNotFound
		}
	}
	return re
}

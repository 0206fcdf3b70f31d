package attendanceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"brandpulse/attendance/internal/location"
)

const maxBodyBytes = 1 << 20

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

type CheckInAck struct {
	CheckInTime time.Time
}

type CheckOutAck struct {
	CheckOutTime time.Time
}

type Status struct {
	CheckedIn    bool       `json:"checkedIn"`
	CheckInTime  *time.Time `json:"checkinTime,omitempty"`
	CheckOutTime *time.Time `json:"checkoutTime,omitempty"`
}

// Client talks to the remote attendance API. It never retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
}

func NewClient(baseURL string, httpClient *http.Client, tokens TokenSource) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(parsed.String(), "/"),
		httpClient: httpClient,
		tokens:     tokens,
	}, nil
}

// WithTokens returns a client sharing the transport but authenticating with
// a different token source.
func (c *Client) WithTokens(tokens TokenSource) *Client {
	clone := *c
	clone.tokens = tokens
	return &clone
}

type checkInRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type ackResponse struct {
	CheckInTime     *time.Time `json:"checkinTime"`
	CheckInTimeAlt  *time.Time `json:"check_in_time"`
	CheckOutTime    *time.Time `json:"checkoutTime"`
	CheckOutTimeAlt *time.Time `json:"check_out_time"`
	CheckedIn       *bool      `json:"checkedIn"`
	CheckedInAlt    *bool      `json:"checked_in"`
}

func (c *Client) CheckIn(ctx context.Context, eventID string, coords location.Coordinates) (CheckInAck, error) {
	var resp ackResponse
	body := checkInRequest{Latitude: coords.Latitude, Longitude: coords.Longitude}
	if err := c.do(ctx, http.MethodPost, eventPath(eventID, "checkin"), body, &resp); err != nil {
		return CheckInAck{}, err
	}
	at := firstTime(resp.CheckInTime, resp.CheckInTimeAlt)
	if at == nil {
		return CheckInAck{}, &Error{Kind: KindServerError, StatusCode: http.StatusOK, Message: "response missing checkinTime"}
	}
	return CheckInAck{CheckInTime: *at}, nil
}

func (c *Client) CheckOut(ctx context.Context, eventID string) (CheckOutAck, error) {
	var resp ackResponse
	if err := c.do(ctx, http.MethodPost, eventPath(eventID, "checkout"), nil, &resp); err != nil {
		return CheckOutAck{}, err
	}
	at := firstTime(resp.CheckOutTime, resp.CheckOutTimeAlt)
	if at == nil {
		return CheckOutAck{}, &Error{Kind: KindServerError, StatusCode: http.StatusOK, Message: "response missing checkoutTime"}
	}
	return CheckOutAck{CheckOutTime: *at}, nil
}

func (c *Client) Status(ctx context.Context, eventID string) (Status, error) {
	var resp ackResponse
	if err := c.do(ctx, http.MethodGet, eventPath(eventID, "status"), nil, &resp); err != nil {
		return Status{}, err
	}
	status := Status{
		CheckInTime:  firstTime(resp.CheckInTime, resp.CheckInTimeAlt),
		CheckOutTime: firstTime(resp.CheckOutTime, resp.CheckOutTimeAlt),
	}
	switch {
	case resp.CheckedIn != nil:
		status.CheckedIn = *resp.CheckedIn
	case resp.CheckedInAlt != nil:
		status.CheckedIn = *resp.CheckedInAlt
	default:
		status.CheckedIn = status.CheckInTime != nil && status.CheckOutTime == nil
	}
	return status, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return &Error{Kind: KindUnauthorized, Message: "token unavailable", Err: err}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindNetworkError, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: KindNetworkError, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody errorBody
		_ = json.Unmarshal(raw, &errBody)
		return newStatusError(resp.StatusCode, errBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindServerError, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return nil
}

func eventPath(eventID, action string) string {
	return "/events/" + url.PathEscape(eventID) + "/" + action
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil && !v.IsZero() {
			return v
		}
	}
	return nil
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// Package target speaks the appointment service's HTTP API.
package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TransportError wraps failures below HTTP: dial errors, timeouts, truncated bodies.
// These are the only errors worth retrying.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

type Client struct {
	hc   *http.Client
	base string
}

func New(baseURL string, timeout time.Duration) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		hc:   &http.Client{Timeout: timeout},
		base: baseURL,
	}
}

type LoginResponse struct {
	Status int
	Token  string
}

// Login posts credentials. Any status is returned as-is; Token is set only on 200.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	jb, err := json.Marshal(struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{email, password})
	if err != nil {
		return LoginResponse{}, err
	}
	h := NewHeaders("").HTTP()
	h.Set("Content-Type", "application/json")

	status, body, err := c.do(ctx, http.MethodPost, c.base+"api/login", h, jb)
	if err != nil {
		return LoginResponse{}, err
	}
	res := LoginResponse{Status: status}
	if status != http.StatusOK {
		return res, nil
	}
	var parsed struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return res, fmt.Errorf("parse login response: %w", err)
	}
	if parsed.AccessToken == "" {
		return res, fmt.Errorf("login response without accessToken")
	}
	res.Token = parsed.AccessToken
	return res, nil
}

// SlotLine is one entry of the appointment-slots response.
type SlotLine struct {
	Time      string `json:"time"`
	FreeSpots int    `json:"freeSpots"`
}

type SlotsResponse struct {
	Status int
	Slots  []SlotLine
}

// FreeTimes returns the times with free spots in service order.
func (r SlotsResponse) FreeTimes() []string {
	var out []string
	for _, s := range r.Slots {
		if s.FreeSpots > 0 && s.Time != "" {
			out = append(out, s.Time)
		}
	}
	return out
}

func (c *Client) AppointmentSlots(ctx context.Context, h Headers, siteID int, date time.Time) (SlotsResponse, error) {
	u := fmt.Sprintf("%sapi/sites/appointment-slots?date=%s&siteId=%d", c.base, FormatDate(date), siteID)
	status, body, err := c.do(ctx, http.MethodGet, u, h.HTTP(), nil)
	if err != nil {
		return SlotsResponse{}, err
	}
	res := SlotsResponse{Status: status}
	if status != http.StatusOK {
		return res, nil
	}
	var lines []*SlotLine
	if err := json.Unmarshal(body, &lines); err != nil {
		return res, fmt.Errorf("parse appointment slots: %w", err)
	}
	for _, l := range lines {
		if l != nil {
			res.Slots = append(res.Slots, *l)
		}
	}
	return res, nil
}

type ValidationResponse struct {
	Status int
	Body   string
}

func (r ValidationResponse) Confirmed() bool { return r.Body == "true" }
func (r ValidationResponse) Taken() bool     { return r.Body == "false" }

// ValidateAppointment asks the service to claim one time for one person.
func (c *Client) ValidateAppointment(ctx context.Context, h Headers, siteID int, date time.Time, timeOfDay string) (ValidationResponse, error) {
	u := fmt.Sprintf("%sapi/sites/appointments-validation?siteId=%d&appointmentDate=%s&appointmentTime=%s&persons=1",
		c.base, siteID, FormatDate(date), timeOfDay)
	status, body, err := c.do(ctx, http.MethodGet, u, h.HTTP(), nil)
	if err != nil {
		return ValidationResponse{}, err
	}
	return ValidationResponse{Status: status, Body: strings.TrimSpace(string(body))}, nil
}

// FormatDate renders DD/MM/YYYY as the service expects.
func FormatDate(d time.Time) string { return d.Format("02/01/2006") }

func (c *Client) do(ctx context.Context, method, rawURL string, h http.Header, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header = h

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, &TransportError{Op: method + " " + req.URL.Path, Err: err}
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, &TransportError{Op: "read " + req.URL.Path, Err: err}
	}
	return res.StatusCode, b, nil
}

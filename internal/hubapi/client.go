package hubapi

import (
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

	"github.com/google/uuid"

	sensordata "mobility-hub/internal/sensordata/domain"
	session "mobility-hub/internal/session/domain"
)

const defaultTimeout = 10 * time.Second

var (
	// ErrUnauthorized is returned for 401/403 responses. It matches session.ErrAuth.
	ErrUnauthorized = fmt.Errorf("hubapi: unauthorized: %w", session.ErrAuth)
	// ErrMalformedResponse is returned when a 2xx body does not match the schema.
	ErrMalformedResponse = errors.New("hubapi: malformed response")
)

// StatusError is a non-2xx response other than an authorization failure.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hubapi: %s %s: http %d", e.Method, e.Path, e.Code)
}

// Client is a minimal smart mobility hub REST client.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.client = &http.Client{Timeout: timeout}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a hub client.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("hubapi: empty base url")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("hubapi: invalid base url: %w", err)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type userResponse struct {
	Username string  `json:"username"`
	FullName *string `json:"full_name"`
}

type recordPayload struct {
	ID         int64    `json:"id"`
	SensorID   string   `json:"sensor_id"`
	SensorType string   `json:"sensor_type"`
	Value      *float64 `json:"value"`
	Timestamp  string   `json:"timestamp"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
}

type ingestPayload struct {
	SensorID   string  `json:"sensor_id"`
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Timestamp  string  `json:"timestamp"`
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var resp tokenResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", "", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), &resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return "", fmt.Errorf("%w: %w", ErrMalformedResponse, &sensordata.ValidationError{Field: "access_token", Reason: "missing"})
	}
	return resp.AccessToken, nil
}

// Me fetches the identity behind a token.
func (c *Client) Me(ctx context.Context, token string) (session.User, error) {
	var resp userResponse
	if err := c.do(ctx, http.MethodGet, "/users/me", token, "", nil, &resp); err != nil {
		return session.User{}, err
	}
	if strings.TrimSpace(resp.Username) == "" {
		return session.User{}, fmt.Errorf("%w: %w", ErrMalformedResponse, &sensordata.ValidationError{Field: "username", Reason: "missing"})
	}
	user := session.User{Username: resp.Username}
	if resp.FullName != nil {
		user.FullName = *resp.FullName
	}
	return user, nil
}

// ListSensorData fetches up to limit of the most recent records.
func (c *Client) ListSensorData(ctx context.Context, token string, limit int) ([]sensordata.Record, error) {
	if limit <= 0 {
		return nil, errors.New("hubapi: limit must be positive")
	}
	var resp []recordPayload
	path := "/data/iot?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, token, "", nil, &resp); err != nil {
		return nil, err
	}
	records := make([]sensordata.Record, 0, len(resp))
	for _, item := range resp {
		record, err := item.toRecord()
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrMalformedResponse, item.ID, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// IngestSensorData posts a reading and returns the created record.
func (c *Client) IngestSensorData(ctx context.Context, token string, reading sensordata.Reading) (sensordata.Record, error) {
	body, err := json.Marshal(ingestPayload{
		SensorID:   reading.SensorID,
		SensorType: reading.Category,
		Value:      reading.Value,
		Latitude:   reading.Location.Latitude,
		Longitude:  reading.Location.Longitude,
		Timestamp:  reading.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return sensordata.Record{}, err
	}
	var resp recordPayload
	if err := c.do(ctx, http.MethodPost, "/data/iot", token, "application/json", bytes.NewReader(body), &resp); err != nil {
		return sensordata.Record{}, err
	}
	record, err := resp.toRecord()
	if err != nil {
		return sensordata.Record{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return record, nil
}

func (p recordPayload) toRecord() (sensordata.Record, error) {
	if p.Value == nil {
		return sensordata.Record{}, &sensordata.ValidationError{Field: "value", Reason: "missing"}
	}
	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return sensordata.Record{}, &sensordata.ValidationError{Field: "timestamp", Reason: err.Error()}
	}
	record := sensordata.Record{
		ID:        p.ID,
		SensorID:  p.SensorID,
		Category:  p.SensorType,
		Value:     *p.Value,
		Timestamp: ts,
	}
	if p.Latitude != nil && p.Longitude != nil {
		record.Location = &sensordata.Location{Latitude: *p.Latitude, Longitude: *p.Longitude}
	}
	if err := record.Validate(); err != nil {
		return sensordata.Record{}, err
	}
	return record, nil
}

// The hub serialises naive datetimes without an offset; those are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("missing")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable %q", value)
}

func (c *Client) do(ctx context.Context, method, path, token, contentType string, body io.Reader, out any) error {
	if body == nil {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hubapi: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("hub request",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"request_id", req.Header.Get("X-Request-ID"),
		"elapsed", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: method, Path: req.URL.Path, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

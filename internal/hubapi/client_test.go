package hubapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sensordata "mobility-hub/internal/sensordata/domain"
	session "mobility-hub/internal/session/domain"
)

func TestLogin_FormEncoded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth/login" {
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "admin123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "token_type": "bearer"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL + "/api/")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	token, err := client.Login(context.Background(), "admin", "admin123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("expected tok-1, got %s", token)
	}

	_, err = client.Login(context.Background(), "admin", "wrong")
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, session.ErrAuth) {
		t.Fatalf("expected unauthorized matching session.ErrAuth, got %v", err)
	}
}

func TestLogin_MissingToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"bearer"}`))
	}))
	defer server.Close()

	client, _ := NewClient(server.URL)
	_, err := client.Login(context.Background(), "a", "b")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	var verr *sensordata.ValidationError
	if !errors.As(err, &verr) || verr.Field != "access_token" {
		t.Fatalf("expected validation error on access_token, got %v", err)
	}
}

func TestMe_BearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing request id")
		}
		_, _ = w.Write([]byte(`{"username":"admin","full_name":"Demo Admin","id":1}`))
	}))
	defer server.Close()

	client, _ := NewClient(server.URL)
	user, err := client.Me(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if user.Username != "admin" || user.FullName != "Demo Admin" {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := client.Me(context.Background(), "other"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestListSensorData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/iot" || r.URL.Query().Get("limit") != "50" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[
			{"id":2,"sensor_id":"TEMP_001","sensor_type":"temperature","value":21.5,"timestamp":"2026-01-02T10:00:00","latitude":19.4,"longitude":-99.1},
			{"id":1,"sensor_id":"HUM_001","sensor_type":"humidity","value":60,"timestamp":"2026-01-02T09:00:00Z"}
		]`))
	}))
	defer server.Close()

	client, _ := NewClient(server.URL)
	records, err := client.ListSensorData(context.Background(), "tok", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	first := records[0]
	if first.ID != 2 || first.Category != "temperature" || first.Value != 21.5 {
		t.Fatalf("unexpected first record: %+v", first)
	}
	if !first.Timestamp.Equal(time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("naive timestamp not read as UTC: %v", first.Timestamp)
	}
	if first.Location == nil || first.Location.Latitude != 19.4 {
		t.Fatalf("expected location, got %+v", first.Location)
	}
	if records[1].Location != nil {
		t.Fatalf("expected no location on second record")
	}
}

func TestListSensorData_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("expected unauthorized, got %v", err)
				}
			},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"detail":"Internal server error"}`,
			check: func(t *testing.T, err error) {
				var statusErr *StatusError
				if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
					t.Fatalf("expected status error 500, got %v", err)
				}
				if errors.Is(err, session.ErrAuth) {
					t.Fatalf("server error must not be an auth error")
				}
			},
		},
		{
			name:   "not a list",
			status: http.StatusOK,
			body:   `{"detail":"x"}`,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrMalformedResponse) {
					t.Fatalf("expected malformed, got %v", err)
				}
			},
		},
		{
			name:   "record without category",
			status: http.StatusOK,
			body:   `[{"id":1,"sensor_id":"X","sensor_type":"","value":1,"timestamp":"2026-01-02T09:00:00Z"}]`,
			check: func(t *testing.T, err error) {
				var verr *sensordata.ValidationError
				if !errors.Is(err, ErrMalformedResponse) || !errors.As(err, &verr) {
					t.Fatalf("expected malformed validation error, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, _ := NewClient(server.URL)
			_, err := client.ListSensorData(context.Background(), "tok", 10)
			tt.check(t, err)
		})
	}
}

func TestIngestSensorData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if payload["timestamp"] != "2026-01-02T03:04:05Z" || payload["sensor_type"] != "noise" {
			t.Errorf("unexpected payload: %v", payload)
		}
		payload["id"] = 7
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	client, _ := NewClient(server.URL)
	record, err := client.IngestSensorData(context.Background(), "tok", sensordata.Reading{
		SensorID:  "NOISE_1",
		Category:  "noise",
		Value:     41.2,
		Location:  sensordata.Location{Latitude: 1, Longitude: 2},
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if record.ID != 7 || record.SensorID != "NOISE_1" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(""); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, err := NewClient("not a url"); err == nil {
		t.Fatalf("expected error for invalid base url")
	}
}

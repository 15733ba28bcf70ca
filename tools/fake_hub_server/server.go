package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"mobility-hub/internal/auth"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	naiveLayout      = "2006-01-02T15:04:05.999999"
)

type hubOptions struct {
	secret   []byte
	tokenTTL time.Duration
	latency  time.Duration
	failRate float64
	logger   *slog.Logger
}

type hubUser struct {
	ID       int64
	Username string
	FullName string
	Hash     []byte
}

type hubRecord struct {
	ID         int64     `json:"id"`
	SensorID   string    `json:"sensor_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	Timestamp  time.Time `json:"-"`
}

// hubServer is an in-memory stand-in for the smart mobility hub API.
type hubServer struct {
	opts hubOptions

	mu      sync.Mutex
	users   map[string]hubUser
	userSeq int64
	records []hubRecord
	seen    map[string]struct{}
	nextID  int64
}

func newHubServer(opts hubOptions) (*hubServer, error) {
	if len(opts.secret) == 0 {
		return nil, errors.New("fake hub: empty jwt secret")
	}
	if opts.tokenTTL <= 0 {
		opts.tokenTTL = 60 * time.Minute
	}
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	return &hubServer{
		opts:  opts,
		users: make(map[string]hubUser),
		seen:  make(map[string]struct{}),
	}, nil
}

func (s *hubServer) addUser(username, fullName, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userSeq++
	s.users[username] = hubUser{ID: s.userSeq, Username: username, FullName: fullName, Hash: hash}
	return nil
}

func (s *hubServer) routes() http.Handler {
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/api/auth/login"}, nil)
	authMiddleware := auth.NewMiddleware(s.opts.secret, policy)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/users/me", s.handleMe).Methods(http.MethodGet)
	r.HandleFunc("/api/data/iot", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/data/iot", s.handleList).Methods(http.MethodGet)

	return s.recoverMiddleware(authMiddleware.Wrap(r))
}

func (s *hubServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form")
		return
	}
	username := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	s.mu.Lock()
	user, ok := s.users[username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(user.Hash, []byte(password)) != nil {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	token, err := auth.IssueJWT(user.Username, s.opts.secret, s.opts.tokenTTL, time.Now().UTC())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

func (s *hubServer) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(r)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        user.ID,
		"username":  user.Username,
		"full_name": user.FullName,
	})
}

type ingestRequest struct {
	SensorID   string   `json:"sensor_id"`
	SensorType string   `json:"sensor_type"`
	Value      *float64 `json:"value"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Timestamp  string   `json:"timestamp"`
}

func (s *hubServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(r); !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.SensorID) == "" || strings.TrimSpace(req.SensorType) == "" {
		writeDetail(w, http.StatusBadRequest, "sensor_id and sensor_type are required")
		return
	}
	if req.Value == nil || math.IsNaN(*req.Value) || math.IsInf(*req.Value, 0) {
		writeDetail(w, http.StatusBadRequest, "value must be a number")
		return
	}
	ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "timestamp must be ISO 8601")
		return
	}

	record := hubRecord{
		SensorID:   req.SensorID,
		SensorType: req.SensorType,
		Value:      *req.Value,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		Timestamp:  ts.UTC(),
	}
	key := record.SensorID + "|" + record.Timestamp.Format(time.RFC3339Nano)

	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		writeDetail(w, http.StatusConflict, "Duplicate sensor data")
		return
	}
	s.nextID++
	record.ID = s.nextID
	s.seen[key] = struct{}{}
	s.records = append(s.records, record)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, record.payload())
}

func (s *hubServer) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(r); !ok {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("limit must be within 1..%d", maxListLimit))
			return
		}
		limit = parsed
	}
	if s.opts.latency > 0 {
		time.Sleep(s.opts.latency)
	}
	if s.opts.failRate > 0 && rand.Float64() < s.opts.failRate {
		s.serverError(w, errors.New("injected failure"))
		return
	}

	s.mu.Lock()
	records := append([]hubRecord(nil), s.records...)
	s.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	out := make([]map[string]any, 0, len(records))
	for _, record := range records {
		out = append(out, record.payload())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *hubServer) currentUser(r *http.Request) (hubUser, bool) {
	subject := auth.SubjectFromContext(r.Context())
	if subject == "" {
		return hubUser{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[subject]
	return user, ok
}

func (s *hubServer) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.serverError(w, fmt.Errorf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *hubServer) serverError(w http.ResponseWriter, err error) {
	cid := uuid.NewString()
	s.opts.logger.Error("fake hub error", "correlation_id", cid, "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"detail":         "Internal server error",
		"correlation_id": cid,
	})
}

func (r hubRecord) payload() map[string]any {
	return map[string]any{
		"id":          r.ID,
		"sensor_id":   r.SensorID,
		"sensor_type": r.SensorType,
		"value":       r.Value,
		"latitude":    r.Latitude,
		"longitude":   r.Longitude,
		"timestamp":   r.Timestamp.Format(naiveLayout),
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"mobility-hub/internal/sensordata/application"
	sensordata "mobility-hub/internal/sensordata/domain"
	"mobility-hub/internal/sensordata/interfaces/export"
	session "mobility-hub/internal/session/domain"
)

// Default coordinates used by the dashboard form when none are supplied.
const (
	DefaultLatitude  = 19.4326
	DefaultLongitude = -99.1332
)

// SnapshotReader is the read side of the sync loop.
type SnapshotReader interface {
	Snapshot() application.Snapshot
	Totals() []sensordata.CategoryTotal
	Recent() []sensordata.Record
	Stats() sensordata.Stats
	Table(n int) []sensordata.Record
	Refresh() error
}

// ReadingWriter submits readings.
type ReadingWriter interface {
	AddReading(ctx context.Context, reading sensordata.Reading) (sensordata.Record, error)
}

// SessionSource exposes the current session.
type SessionSource interface {
	Current() (session.Session, bool)
}

// Handler serves the snapshot, projections, writes and exports.
type Handler struct {
	reader    SnapshotReader
	writer    ReadingWriter
	sessions  SessionSource
	broker    *SSEBroker
	tableRows int
	now       func() time.Time
}

// NewHandler constructs a handler.
func NewHandler(reader SnapshotReader, writer ReadingWriter, sessions SessionSource, broker *SSEBroker, tableRows int) (*Handler, error) {
	if reader == nil {
		return nil, errors.New("sensordata handler: nil reader")
	}
	if writer == nil {
		return nil, errors.New("sensordata handler: nil writer")
	}
	if sessions == nil {
		return nil, errors.New("sensordata handler: nil sessions")
	}
	if tableRows <= 0 {
		tableRows = sensordata.DefaultTableRows
	}
	return &Handler{
		reader:    reader,
		writer:    writer,
		sessions:  sessions,
		broker:    broker,
		tableRows: tableRows,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/snapshot", h.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/projections", h.handleProjections).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/refresh", h.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/readings", h.handleAddReading).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/exports/snapshot.{format:pdf|xlsx}", h.handleExport).Methods(http.MethodGet)
	if h.broker != nil {
		r.HandleFunc("/api/v1/stream", h.broker.ServeStream).Methods(http.MethodGet)
	}
}

type snapshotResponse struct {
	State       application.State   `json:"state"`
	Records     []sensordata.Record `json:"records"`
	Error       string              `json:"error,omitempty"`
	LastSuccess *time.Time          `json:"last_success,omitempty"`
	Sequence    uint64              `json:"sequence"`
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.reader.Snapshot()
	resp := snapshotResponse{
		State:    snap.State,
		Records:  snap.Records,
		Sequence: snap.Sequence,
	}
	if resp.Records == nil {
		resp.Records = []sensordata.Record{}
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	if !snap.LastSuccess.IsZero() {
		last := snap.LastSuccess
		resp.LastSuccess = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

type projectionsResponse struct {
	Totals []sensordata.CategoryTotal `json:"totals"`
	Recent []sensordata.Record        `json:"recent"`
	Stats  sensordata.Stats           `json:"stats"`
	Table  []sensordata.Record        `json:"table"`
}

func (h *Handler) handleProjections(w http.ResponseWriter, r *http.Request) {
	rows := h.tableRows
	if raw := r.URL.Query().Get("rows"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "rows must be a positive integer")
			return
		}
		rows = parsed
	}
	writeJSON(w, http.StatusOK, projectionsResponse{
		Totals: h.reader.Totals(),
		Recent: h.reader.Recent(),
		Stats:  h.reader.Stats(),
		Table:  h.reader.Table(rows),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.reader.Refresh(); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type readingRequest struct {
	SensorID   string     `json:"sensor_id"`
	SensorType string     `json:"sensor_type"`
	Value      *float64   `json:"value"`
	Latitude   *float64   `json:"latitude"`
	Longitude  *float64   `json:"longitude"`
	Timestamp  *time.Time `json:"timestamp"`
}

func (req readingRequest) toReading() (sensordata.Reading, error) {
	if req.Value == nil {
		return sensordata.Reading{}, &sensordata.ValidationError{Field: "value", Reason: "required"}
	}
	reading := sensordata.Reading{
		SensorID: req.SensorID,
		Category: req.SensorType,
		Value:    *req.Value,
		Location: sensordata.Location{Latitude: DefaultLatitude, Longitude: DefaultLongitude},
	}
	if req.Latitude != nil {
		reading.Location.Latitude = *req.Latitude
	}
	if req.Longitude != nil {
		reading.Location.Longitude = *req.Longitude
	}
	if req.Timestamp != nil {
		reading.Timestamp = req.Timestamp.UTC()
	}
	return reading, nil
}

func (h *Handler) handleAddReading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, decodeError(err))
		return
	}
	reading, err := req.toReading()
	if err != nil {
		respondError(w, err)
		return
	}
	record, err := h.writer.AddReading(r.Context(), reading)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.sessions.Current()
	if !ok {
		respondError(w, session.ErrNoSession)
		return
	}
	snap := h.reader.Snapshot()
	report := export.BuildReport(snap.Records, h.tableRows, sess.User.DisplayName(), snap.LastSuccess, snap.Err, h.now())

	format := mux.Vars(r)["format"]
	var (
		data        []byte
		err         error
		contentType string
	)
	switch format {
	case "pdf":
		data, err = export.BuildPDF(report)
		contentType = "application/pdf"
	default:
		data, err = export.BuildXLSX(report)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	filename := fmt.Sprintf("snapshot-%s.%s", report.GeneratedAt.Format("20060102-150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// decodeError names the offending field when the decoder knows it.
func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return &sensordata.ValidationError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String()}
	}
	return &sensordata.ValidationError{Field: "body", Reason: err.Error()}
}

func respondError(w http.ResponseWriter, err error) {
	var verr *sensordata.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusUnauthorized, "no active session")
	case errors.Is(err, session.ErrAuth):
		writeError(w, http.StatusUnauthorized, "session expired")
	case errors.Is(err, sensordata.ErrTransient):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

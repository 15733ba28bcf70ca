package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"mobility-hub/internal/observability/metrics"
	"mobility-hub/internal/sensordata/application"
	sensordata "mobility-hub/internal/sensordata/domain"
)

const (
	sinkName       = "mqtt"
	publishTimeout = 5 * time.Second
	qosAtLeastOnce = 1
)

// Config holds broker settings.
type Config struct {
	Broker      string
	Port        int
	ClientID    string
	TopicPrefix string
}

// publisher is the part of a paho client the mirror needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
}

// Summary is the retained snapshot digest.
type Summary struct {
	Sequence uint64                     `json:"sequence"`
	At       time.Time                  `json:"at"`
	Stats    sensordata.Stats           `json:"stats"`
	Totals   []sensordata.CategoryTotal `json:"totals"`
	Latest   *sensordata.Record         `json:"latest,omitempty"`
}

// Status reports the most recent poll failure.
type Status struct {
	Sequence uint64    `json:"sequence"`
	At       time.Time `json:"at"`
	Error    string    `json:"error"`
}

// Mirror publishes snapshot summaries to an MQTT broker.
type Mirror struct {
	client paho.Client
	pub    publisher
	prefix string
	logger *slog.Logger

	stopOnce sync.Once
}

// NewMirror constructs a mirror with a paho client. Call Connect before use.
func NewMirror(cfg Config, logger *slog.Logger) (*Mirror, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt mirror: empty broker")
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker, "port", cfg.Port)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "err", err)
	})

	client := paho.NewClient(opts)
	m := newMirror(client, cfg.TopicPrefix, logger)
	m.client = client
	return m, nil
}

func newMirror(pub publisher, prefix string, logger *slog.Logger) *Mirror {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = "mobility-hub"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{pub: pub, prefix: prefix, logger: logger}
}

// Connect waits for the initial broker connection.
func (m *Mirror) Connect(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	token := m.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// Disconnect closes the broker connection. Safe to call more than once.
func (m *Mirror) Disconnect() {
	m.stopOnce.Do(func() {
		if m.client != nil {
			m.client.Disconnect(250)
		}
		m.logger.Info("mqtt disconnected")
	})
}

// SnapshotTopic is the retained summary topic.
func (m *Mirror) SnapshotTopic() string { return m.prefix + "/snapshot" }

// StatusTopic carries poll failures.
func (m *Mirror) StatusTopic() string { return m.prefix + "/status" }

// BuildSummary digests a snapshot for publishing.
func BuildSummary(evt application.SnapshotReplaced) Summary {
	summary := Summary{
		Sequence: evt.Sequence,
		At:       evt.At,
		Stats:    sensordata.ComputeStats(evt.Records),
		Totals:   sensordata.CategoryTotals(evt.Records),
	}
	if n := len(evt.Records); n > 0 {
		latest := evt.Records[n-1]
		summary.Latest = &latest
	}
	return summary
}

// HandleSnapshotReplaced publishes the retained summary.
func (m *Mirror) HandleSnapshotReplaced(ctx context.Context, evt application.SnapshotReplaced) error {
	return m.publish(m.SnapshotTopic(), true, BuildSummary(evt))
}

// HandlePollFailed publishes the failure on the status topic.
func (m *Mirror) HandlePollFailed(ctx context.Context, evt application.PollFailed) error {
	status := Status{Sequence: evt.Sequence, At: evt.At}
	if evt.Err != nil {
		status.Error = evt.Err.Error()
	}
	return m.publish(m.StatusTopic(), false, status)
}

func (m *Mirror) publish(topic string, retained bool, payload any) error {
	if !m.pub.IsConnected() {
		metrics.IncSinkError(sinkName)
		return errors.New("mqtt mirror: not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mqtt mirror: marshal: %w", err)
	}
	token := m.pub.Publish(topic, qosAtLeastOnce, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		metrics.IncSinkError(sinkName)
		return fmt.Errorf("mqtt mirror: publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		metrics.IncSinkError(sinkName)
		return fmt.Errorf("mqtt mirror: publish: %w", err)
	}
	m.logger.Debug("mqtt published", "topic", topic, "bytes", len(data))
	return nil
}

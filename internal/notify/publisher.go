package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sarpel/audio-receiver-xiao/internal/config"
)

const publishTimeout = 5 * time.Second

// SegmentEvent announces a closed segment.
type SegmentEvent struct {
	Path         string    `json:"path"`
	BytesWritten int64     `json:"bytes_written"`
	TargetBytes  int64     `json:"target_bytes"`
	Completed    bool      `json:"completed"`
	ClosedAt     time.Time `json:"closed_at"`
}

// CompressionEvent announces a finished compression job.
type CompressionEvent struct {
	SourcePath      string    `json:"source_path"`
	OutputPath      string    `json:"output_path,omitempty"`
	Outcome         string    `json:"outcome"`
	OriginalBytes   int64     `json:"original_bytes,omitempty"`
	CompressedBytes int64     `json:"compressed_bytes,omitempty"`
	ElapsedSeconds  float64   `json:"elapsed_seconds,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Publisher emits lifecycle events to an MQTT broker. All methods are safe to
// call on a nil receiver, which makes the disabled case a no-op at every
// call site.
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	logger      *slog.Logger
}

// NewPublisher connects to the configured broker and returns a publisher.
// Credentials come from the MQTT_USERNAME and MQTT_PASSWORD environment
// variables. Returns nil (disabled) when the config has notify turned off.
func NewPublisher(cfg config.NotifyConfig, logger *slog.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(os.Getenv("MQTT_USERNAME"))
	opts.SetPassword(os.Getenv("MQTT_PASSWORD"))
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}

	logger.Info("MQTT publisher connected",
		slog.String("broker", cfg.Broker),
		slog.String("client_id", cfg.ClientID),
		slog.String("topic_prefix", cfg.TopicPrefix),
	)

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		logger:      logger,
	}, nil
}

// SegmentClosed publishes a segment lifecycle event.
func (p *Publisher) SegmentClosed(event SegmentEvent) {
	if p == nil {
		return
	}
	p.publish(p.topicPrefix+"/segment/closed", event)
}

// CompressionFinished publishes a compression job outcome event.
func (p *Publisher) CompressionFinished(event CompressionEvent) {
	if p == nil {
		return
	}
	p.publish(p.topicPrefix+"/compression/finished", event)
}

// publish marshals and sends one event. Publish failures are logged, never
// propagated: event delivery must not affect capture.
func (p *Publisher) publish(topic string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal notify event",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
		return
	}

	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn("MQTT publish timed out", slog.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("MQTT publish failed",
			slog.String("topic", topic),
			slog.String("error", err.Error()),
		)
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Disconnect(250)
	p.logger.Info("MQTT publisher disconnected")
}

// Package sink exports run outcomes to MQTT brokers and HTTP endpoints.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ibois-epfl/diffCheck/config"
	"github.com/ibois-epfl/diffCheck/pipeline"
)

const (
	publishTimeout = 2 * time.Second
	connectTimeout = 10 * time.Second
	maxRetryDelay  = 60 * time.Second
)

// ErrNotConnected is returned when publishing without a live broker connection.
var ErrNotConnected = errors.New("mqtt client not connected")

// Connect builds a paho client for cfg and connects it in the background,
// retrying with exponential backoff until ctx is done. An empty broker
// disables MQTT and returns a nil client.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger *zap.SugaredLogger) mqtt.Client {
	if cfg.Broker == "" {
		logger.Infow("mqtt disabled", "reason", "no broker configured")
		return nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "diffcheck"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(maxRetryDelay)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Infow("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warnw("mqtt connection lost, auto-reconnect will retry", "error", err)
	})

	client := mqtt.NewClient(opts)
	go connectWithRetry(ctx, client, logger)
	return client
}

func connectWithRetry(ctx context.Context, client mqtt.Client, logger *zap.SugaredLogger) {
	delay := time.Second
	for {
		token := client.Connect()
		if token.WaitTimeout(connectTimeout) {
			if token.Error() == nil {
				return
			}
			logger.Warnw("mqtt connection failed", "error", token.Error(), "retry", delay)
		} else {
			logger.Warnw("mqtt connection timeout", "retry", delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}
}

// Publisher publishes run summaries as retained JSON messages. A nil client
// disables publishing; every call then returns ErrNotConnected.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	latest map[string]string // assembly (or "comparisons") -> run id
}

// NewPublisher creates a publisher writing under prefix.
func NewPublisher(client mqtt.Client, prefix string, logger *zap.SugaredLogger) *Publisher {
	if prefix == "" {
		prefix = "diffcheck"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    0,
		retain: true,
		logger: logger,
		latest: make(map[string]string),
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker.
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishComparison publishes the run summary to <prefix>/comparisons/<run>.
func (p *Publisher) PublishComparison(ctx context.Context, run *pipeline.ComparisonRun) error {
	if err := p.ready(); err != nil {
		return err
	}
	id := run.RunID.String()
	if err := p.publishJSON(ctx, fmt.Sprintf("%s/comparisons/%s", p.prefix, id), run.Summary()); err != nil {
		return err
	}
	return p.publishLatest(ctx, "comparisons", id)
}

// PublishReport publishes one message per joint or beam, then the report
// summary and the latest-run index. Beams are addressed by their index in the
// assembly: names may repeat or hold topic separators and wildcards.
func (p *Publisher) PublishReport(ctx context.Context, report *pipeline.Report) error {
	if err := p.ready(); err != nil {
		return err
	}
	id := report.RunID.String()
	summary := report.Summary()
	for _, j := range summary.Joints {
		if err := p.publishJSON(ctx, fmt.Sprintf("%s/joints/%s/%d", p.prefix, id, j.ID), j); err != nil {
			return err
		}
	}
	for i, b := range summary.Beams {
		if err := p.publishJSON(ctx, fmt.Sprintf("%s/beams/%s/%d", p.prefix, id, i), b); err != nil {
			return err
		}
	}
	if err := p.publishJSON(ctx, fmt.Sprintf("%s/reports/%s", p.prefix, id), summary); err != nil {
		return err
	}
	return p.publishLatest(ctx, report.Assembly, id)
}

// Latest returns the last run id published for each assembly. Comparison
// runs are listed under "comparisons".
func (p *Publisher) Latest() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.latest))
	for k, v := range p.latest {
		out[k] = v
	}
	return out
}

func (p *Publisher) ready() error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (p *Publisher) publishLatest(ctx context.Context, key, id string) error {
	p.mu.Lock()
	p.latest[key] = id
	p.mu.Unlock()

	message := map[string]interface{}{
		"runs":      p.Latest(),
		"timestamp": time.Now().Unix(),
	}
	return p.publishJSON(ctx, fmt.Sprintf("%s/runs/latest", p.prefix), message)
}

func (p *Publisher) publishJSON(ctx context.Context, topic string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", topic)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}
	p.logger.Debugw("published", "topic", topic, "bytes", len(payload))
	return nil
}

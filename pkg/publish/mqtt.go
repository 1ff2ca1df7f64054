// Package publish delivers alert events to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/Yosuke1980/mailwatch/pkg/email"
	"github.com/Yosuke1980/mailwatch/pkg/reliability"
	"github.com/Yosuke1980/mailwatch/pkg/watch"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
)

// Config identifies the broker and topic alerts go to.
type Config struct {
	Host      string
	Port      int
	TLS       bool
	Username  string
	Password  string
	Topic     string
	ClientID  string
	QoS       byte
	KeepAlive time.Duration
	// BodyLimit bounds the message body included in the payload, in bytes.
	BodyLimit int
}

// payload is the JSON document published per alert.
type payload struct {
	UID         uint32 `json:"uid"`
	MessageID   string `json:"message_id"`
	Date        string `json:"date"`
	From        string `json:"from"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Timestamp   string `json:"timestamp"`
	ProcessedAt string `json:"processed_at"`
}

// Publisher is an MQTT sink for alert events. Publishes are retried with
// backoff and routed through a circuit breaker, so a dead broker degrades to
// dropped alerts instead of a stalled event queue.
type Publisher struct {
	cfg     Config
	log     zerolog.Logger
	client  mqtt.Client
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryConfig
}

func New(cfg Config, log zerolog.Logger) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "mailwatch-" + xid.New().String()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 4000
	}
	breaker, _ := reliability.NewCircuitBreaker(5, 30*time.Second)
	return &Publisher{
		cfg:     cfg,
		log:     log.With().Str("component", "mqtt").Str("topic", cfg.Topic).Logger(),
		breaker: breaker,
		retry:   reliability.DefaultRetryConfig(),
	}
}

// Connect dials the broker. The underlying client keeps reconnecting on its
// own afterwards.
func (p *Publisher) Connect() error {
	scheme := "tcp"
	if p.cfg.TLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, p.cfg.Host, p.cfg.Port)

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(p.cfg.ClientID).
		SetKeepAlive(p.cfg.KeepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.log.Info().Str("broker", broker).Msg("MQTT connected")
	})

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return nil
}

// Close disconnects from the broker, letting in-flight publishes finish.
func (p *Publisher) Close() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}

// HandleAlert is an events handler for alert events. Failures are logged, not
// propagated; the watcher must keep running whether or not the broker is up.
func (p *Publisher) HandleAlert(v any) {
	ev, ok := v.(watch.AlertEvent)
	if !ok || ev.Message == nil {
		return
	}
	if err := p.Publish(ev); err != nil {
		p.log.Error().Err(err).Uint32("uid", ev.Message.UID).Msg("Alert publish failed")
	}
}

// Publish sends one alert to the topic at the configured QoS.
func (p *Publisher) Publish(ev watch.AlertEvent) error {
	if p.client == nil {
		return fmt.Errorf("mqtt publish: not connected")
	}
	body, err := json.Marshal(p.buildPayload(ev))
	if err != nil {
		return fmt.Errorf("mqtt payload: %w", err)
	}

	err = p.breaker.Execute(func() error {
		return reliability.RetryWithBackoff(context.Background(), p.retry, func() error {
			token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, false, body)
			if !token.WaitTimeout(publishTimeout) {
				return fmt.Errorf("publish timeout")
			}
			return token.Error()
		})
	})
	if err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	p.log.Debug().Uint32("uid", ev.Message.UID).Msg("Alert published")
	return nil
}

func (p *Publisher) buildPayload(ev watch.AlertEvent) payload {
	m := ev.Message
	var date string
	if !m.Date.IsZero() {
		date = m.Date.Format(time.RFC3339)
	}
	return payload{
		UID:         m.UID,
		MessageID:   m.MessageID,
		Date:        date,
		From:        m.From,
		Subject:     m.Subject,
		Body:        email.Truncate(m.Body, p.cfg.BodyLimit),
		Timestamp:   date,
		ProcessedAt: ev.EmittedAt.UTC().Format(time.RFC3339),
	}
}

// Package subscriber feeds metrics payloads published over MQTT into the
// same ingest path the HTTP API uses.
package subscriber

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/yaron8/sysmon-collector/collector/config"
	"github.com/yaron8/sysmon-collector/logi"
	"github.com/yaron8/sysmon-collector/telemetrics"
)

const (
	mirrorTimeout    = 2 * time.Second
	subscribeTimeout = 10 * time.Second
)

type Ingestor interface {
	Ingest(raw []byte) (telemetrics.MetricsRecord, error)
}

type Mirror interface {
	Store(ctx context.Context, record telemetrics.MetricsRecord) error
}

type Subscriber struct {
	client   mqtt.Client
	topic    string
	ingestor Ingestor
	mirror   Mirror
	logger   zerolog.Logger
}

// Connect opens a paho client for cfg and returns a subscriber bound to it.
// The topic is subscribed on every successful (re)connect, since a clean
// session drops subscriptions when the connection is lost.
func Connect(cfg config.MQTTConfig, ingestor Ingestor, mirror Mirror) (*Subscriber, error) {
	sub := NewSubscriber(nil, cfg.Topic, ingestor, mirror)

	client := mqtt.NewClient(sub.clientOptions(cfg))
	sub.client = client

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}

	return sub, nil
}

// NewSubscriber builds a subscriber. mirror may be nil.
func NewSubscriber(client mqtt.Client, topic string, ingestor Ingestor, mirror Mirror) *Subscriber {
	return &Subscriber{
		client:   client,
		topic:    topic,
		ingestor: ingestor,
		mirror:   mirror,
		logger:   logi.WithComponent("subscriber"),
	}
}

func (s *Subscriber) clientOptions(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
	})

	return opts
}

func (s *Subscriber) onConnect(client mqtt.Client) {
	s.logger.Info().Str("topic", s.topic).Msg("MQTT connection established")

	if err := s.subscribe(client); err != nil {
		s.logger.Error().Err(err).Msg("MQTT ingest is not receiving messages")
	}
}

func (s *Subscriber) subscribe(client mqtt.Client) error {
	token := client.Subscribe(s.topic, 1, s.handleMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("timed out subscribing to %s", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
	}

	s.logger.Info().Str("topic", s.topic).Msg("Subscribed to metrics topic")
	return nil
}

// Run blocks until ctx is done, then unsubscribes and disconnects.
// Subscribing happens on connect.
func (s *Subscriber) Run(ctx context.Context) error {
	<-ctx.Done()

	s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
	s.client.Disconnect(250)
	s.logger.Info().Msg("MQTT subscriber stopped")

	return nil
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	record, err := s.ingestor.Ingest(msg.Payload())
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("topic", msg.Topic()).
			Msg("Dropped metrics message")
		return
	}

	if s.mirror == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	if err := s.mirror.Store(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("device_id", record.DeviceID).Msg("Error mirroring record")
	}
}

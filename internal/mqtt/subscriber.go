package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tfolkman/omi-transcription/internal/config"
	"github.com/tfolkman/omi-transcription/internal/intake"
	"github.com/tfolkman/omi-transcription/internal/queue"
)

// Submitter is the intake operation the subscriber feeds
type Submitter interface {
	Submit(req intake.Request) (*queue.Unit, error)
}

// Subscriber receives PCM chunks published under the configured topic
type Subscriber struct {
	client paho.Client
	config config.MQTTConfig
	audio  config.AudioConfig
	intake Submitter
	logger *slog.Logger
}

// NewSubscriber creates a subscriber; the broker connection is made by Start
func NewSubscriber(cfg config.MQTTConfig, audioCfg config.AudioConfig, submitter Submitter, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		config: cfg,
		audio:  audioCfg,
		intake: submitter,
		logger: logger,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetAutoAckDisabled(true)
	opts.SetCleanSession(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	})

	s.client = paho.NewClient(opts)
	return s
}

// Start connects to the broker. Subscriptions are (re)made on every connect.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	s.logger.Info("MQTT subscriber started",
		slog.String("broker", s.config.Broker),
		slog.String("topic", s.config.Topic),
	)
	return nil
}

// Stop disconnects from the broker
func (s *Subscriber) Stop() {
	s.client.Disconnect(250)
	s.logger.Info("MQTT subscriber stopped")
}

func (s *Subscriber) onConnect(client paho.Client) {
	token := client.Subscribe(s.config.Topic, byte(s.config.QoS), s.handleMessage)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("Failed to subscribe to audio topic",
			slog.String("topic", s.config.Topic),
			slog.String("error", token.Error().Error()),
		)
		return
	}

	s.logger.Info("Subscribed to audio topic", slog.String("topic", s.config.Topic))
}

// handleMessage queues one PCM chunk. The message is acknowledged once the
// chunk is on disk or can never be accepted; a queue write failure leaves it
// unacknowledged so the broker redelivers it.
func (s *Subscriber) handleMessage(_ paho.Client, msg paho.Message) {
	owner, ok := ownerFromTopic(s.config.Topic, msg.Topic())
	if !ok {
		s.logger.Warn("Could not extract owner from topic", slog.String("topic", msg.Topic()))
		msg.Ack()
		return
	}

	_, err := s.intake.Submit(intake.Request{
		OwnerID:    owner,
		Payload:    msg.Payload(),
		Origin:     queue.OriginStreamChunk,
		SampleRate: s.audio.SampleRate,
		Channels:   s.audio.Channels,
		BitDepth:   s.audio.BitDepth,
	})
	if errors.Is(err, queue.ErrStorageWrite) {
		s.logger.Error("Queue unavailable, leaving MQTT audio chunk for redelivery",
			slog.String("owner_id", owner),
			slog.Uint64("message_id", uint64(msg.MessageID())),
		)
		return
	}

	msg.Ack()
}

// ownerFromTopic returns the level of topic matched by the '+' in pattern
func ownerFromTopic(pattern, topic string) (string, bool) {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return "", false
	}

	owner := ""
	for i, level := range want {
		switch {
		case level == "+":
			owner = got[i]
		case level != got[i]:
			return "", false
		}
	}

	return owner, owner != ""
}

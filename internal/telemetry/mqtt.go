// Package telemetry publishes worldgate events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/util"
)

// ErrDisabled is returned by NewMQTTHandler when MQTT is switched off.
var ErrDisabled = errors.New("MQTT is disabled")

// Topic suffixes under <prefix>/realm/<id>/.
const (
	TopicStatus   = "status"
	TopicSessions = "sessions"
	TopicSecurity = "security"
	TopicAdmin    = "admin"
)

var eventTopics = map[events.EventType]string{
	events.EventHeartbeat:            TopicStatus,
	events.EventRealmStatusChanged:   TopicStatus,
	events.EventSessionAuthenticated: TopicSessions,
	events.EventSessionClosed:        TopicSessions,
	events.EventAuthFailed:           TopicSecurity,
	events.EventTamperDetected:       TopicSecurity,
	events.EventSessionKicked:        TopicSecurity,
	events.EventResourceWarning:      TopicAdmin,
	events.EventConfigChanged:        TopicAdmin,
}

// MQTTHandler forwards bus events to the broker.
type MQTTHandler struct {
	prefix   string
	bus      *events.EventBus
	client   mqtt.Client
	metadata map[string]interface{}
	logger   zerolog.Logger
}

// NewMQTTHandler builds the client from configuration. It does not connect.
func NewMQTTHandler(cfg *config.Config, bus *events.EventBus, version string) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, ErrDisabled
	}
	world := cfg.GetWorldData()

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		prefix: fmt.Sprintf("%s/realm/%d", mqttCfg.TopicPrefix, world.RealmID),
		bus:    bus,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"realm_id":    world.RealmID,
			"realm_name":  world.RealmName,
			"app_version": version,
		},
		logger: log.With().Str("component", "mqtt").Logger(),
	}

	opts, err := clientOptions(mqttCfg, sysInfo.Hostname)
	if err != nil {
		return nil, err
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

func clientOptions(mqttCfg config.MQTTConfig, hostname string) (*mqtt.ClientOptions, error) {
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))
	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID("worldgate-" + hostname)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if !mqttCfg.UseTLS {
		return opts, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if mqttCfg.CAFile != "" {
		pem, err := os.ReadFile(mqttCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in MQTT CA file %s", mqttCfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	opts.SetTLSConfig(tlsConfig)
	return opts, nil
}

// Start connects, forwards events until ctx is cancelled, then publishes
// a shutdown notice and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("prefix", h.prefix).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	for eventType := range eventTopics {
		h.bus.Subscribe(eventType, "mqtt."+string(eventType), h.onEvent)
	}

	<-ctx.Done()

	for eventType := range eventTopics {
		h.bus.Unsubscribe(eventType, "mqtt."+string(eventType))
	}
	h.publish(h.topic(TopicAdmin), map[string]interface{}{"event": "shutdown"})
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	suffix, ok := eventTopics[event.Type]
	if !ok {
		return nil
	}
	h.publish(h.topic(suffix), map[string]interface{}{
		"event":   string(event.Type),
		"source":  event.Source,
		"payload": event.Payload,
	})
	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.prefix + "/" + suffix
}

func (h *MQTTHandler) publish(topic string, payload map[string]interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage merges the host metadata into payload.
func (h *MQTTHandler) buildMessage(payload map[string]interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+len(payload)+1)
	for k, v := range h.metadata {
		msg[k] = v
	}
	for k, v := range payload {
		msg[k] = v
	}
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

package kp184

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT sample sink.
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Topic    string // prefix, samples go to <Topic>/<run id>/sample
	QoS      byte
	Timeout  time.Duration
}

// DefaultMQTTConfig returns the settings used when only a broker is given.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		ClientID: "kp184bat",
		Topic:    "kp184",
		QoS:      1,
		Timeout:  5 * time.Second,
	}
}

// mqttPublisher is the part of paho.Client the sink uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes every sample as a JSON message. The run status topic
// is retained and carries a last will so subscribers see aborted runs.
type MQTTSink struct {
	client mqttPublisher
	cfg    MQTTConfig
	runID  string
	logger io.Writer
}

type mqttSample struct {
	RunID   string  `json:"run_id"`
	Seq     uint64  `json:"seq"`
	Elapsed float64 `json:"elapsed"`
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(cfg MQTTConfig, runID string) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: empty MQTT broker", ErrInvalidConfig)
	}
	s := &MQTTSink{cfg: cfg, runID: runID, logger: io.Discard}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID + "_" + runID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetWill(s.topic("status"), "aborted", cfg.QoS, true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("MQTT connect to %s: %w", cfg.Broker, ErrTimedOut)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect to %s: %w", cfg.Broker, err)
	}
	s.client = client
	return s, nil
}

// SetLogger sets the logger for the sink.
func (s *MQTTSink) SetLogger(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	s.logger = w
}

func (s *MQTTSink) topic(leaf string) string {
	return s.cfg.Topic + "/" + s.runID + "/" + leaf
}

func (s *MQTTSink) publish(topic string, retained bool, payload interface{}) error {
	token := s.client.Publish(topic, s.cfg.QoS, retained, payload)
	if !token.WaitTimeout(s.cfg.Timeout) {
		return fmt.Errorf("MQTT publish to %s: %w", topic, ErrTimedOut)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT publish to %s: %w", topic, err)
	}
	return nil
}

// WriteHeader announces the run.
func (s *MQTTSink) WriteHeader() error {
	return s.publish(s.topic("status"), true, "running")
}

func (s *MQTTSink) WriteSample(smp Sample) error {
	payload, err := json.Marshal(mqttSample{
		RunID:   s.runID,
		Seq:     smp.Seq,
		Elapsed: smp.Elapsed.Seconds(),
		Voltage: smp.Voltage,
		Current: smp.Current,
	})
	if err != nil {
		return err
	}
	return s.publish(s.topic("sample"), false, payload)
}

// Close marks the run finished and disconnects.
func (s *MQTTSink) Close() error {
	err := s.publish(s.topic("status"), true, "finished")
	if err != nil {
		fmt.Fprintf(s.logger, "[WARNING] mqtt: %v\n", err)
	}
	s.client.Disconnect(250)
	return err
}

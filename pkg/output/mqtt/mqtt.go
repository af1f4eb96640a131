package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/multigas-to-mqtt/pkg/config"
	"github.com/ericogr/multigas-to-mqtt/pkg/gas"
	"github.com/ericogr/multigas-to-mqtt/pkg/output"
	"github.com/ericogr/multigas-to-mqtt/pkg/sensor"
	"github.com/sirupsen/logrus"
)

const (
	// defaults
	DefaultServer     = "tcp://localhost:1883"
	DefaultStateTopic = "multigas/%s"
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
	valueTemplate          = "{{ value_json.concentration }}"
)

// Home Assistant device classes that accept the unit the module reports.
var deviceClasses = map[gas.Type]string{
	gas.CO: "carbon_monoxide",
}

type MQTTOutput struct {
	client         mqtt.Client
	cfg            config.MQTTConfig
	stateTopic     string
	discoveryTopic string
	log            logrus.FieldLogger

	mu        sync.Mutex
	announced map[string]gas.Type
}

func NewMQTT(cfg config.MQTTConfig, log logrus.FieldLogger) (output.Output, error) {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.ClientID == "" {
		cfg.ClientID = config.MachineClientID()
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	log.WithFields(logrus.Fields{"server": cfg.Server, "client_id": cfg.ClientID}).Info("mqtt connected")

	st := cfg.StateTopic
	if st == "" {
		st = DefaultStateTopic
	}
	return &MQTTOutput{
		client:         client,
		cfg:            cfg,
		stateTopic:     st,
		discoveryTopic: cfg.DiscoveryTopic,
		log:            log,
		announced:      map[string]gas.Type{},
	}, nil
}

// Publish sends one state message per reading. The Home Assistant
// discovery entry of a sensor is (re)published whenever its gas changes,
// since the unit depends on the probe.
func (m *MQTTOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		topic := formatStateTopic(m.stateTopic, r.Sensor)
		if m.discoveryTopic != "" && m.needsAnnounce(r) {
			dTopic := formatStateTopic(m.discoveryTopic, r.Sensor)
			payload := discoveryPayload(m.cfg, r, topic)
			if err := publishJSON(m.client, dTopic, true, payload); err != nil {
				m.log.WithError(err).WithField("topic", dTopic).Warn("mqtt discovery publish error")
			}
		}
		b, err := json.Marshal(statePayload(r))
		if err != nil {
			return err
		}
		token := m.client.Publish(topic, 0, false, b)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
	}
	return nil
}

func (m *MQTTOutput) needsAnnounce(r sensor.Reading) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.announced[r.Sensor]; ok && g == r.Gas {
		return false
	}
	m.announced[r.Sensor] = r.Gas
	return true
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

// PublishRaw publishes a raw payload to the given topic. The caller can set the
// retain flag which is useful for discovery messages.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	token := m.client.Publish(topic, 0, retained, payload)
	token.Wait()
	return token.Error()
}

// formatStateTopic substitutes the sensor name into a topic with a %s
// formatter, or appends it as the last level otherwise.
func formatStateTopic(base, name string) string {
	if base == "" {
		base = DefaultStateTopic
	}
	if strings.Contains(base, "%s") {
		return fmt.Sprintf(base, name)
	}
	return strings.TrimSuffix(base, "/") + "/" + name
}

type state struct {
	Concentration float64   `json:"concentration"`
	Gas           gas.Type  `json:"gas"`
	Unit          string    `json:"unit"`
	BoardTempC    float64   `json:"board_temp_c"`
	RawADCTemp    uint16    `json:"raw_adc_temp"`
	Timestamp     time.Time `json:"timestamp"`
}

func statePayload(r sensor.Reading) state {
	return state{
		Concentration: r.Concentration,
		Gas:           r.Gas,
		Unit:          r.Unit,
		BoardTempC:    r.BoardTempC,
		RawADCTemp:    r.RawADCTemp,
		Timestamp:     r.Timestamp,
	}
}

// helper: build a human-friendly discovery name
func discoveryName(cfg config.MQTTConfig, r sensor.Reading) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = "Multigas"
	}
	name = fmt.Sprintf("%s %s", name, r.Sensor)
	if g := r.Gas.String(); g != "" {
		name = fmt.Sprintf("%s %s", name, g)
	}
	return name
}

// helper: discovery payload for one sensor
func discoveryPayload(cfg config.MQTTConfig, r sensor.Reading, stateTopic string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                discoveryName(cfg, r),
		keyStateTopic:          stateTopic,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplate,
		keyJSONAttributesTopic: stateTopic,
		keyUniqueID:            fmt.Sprintf("%s_%s", cfg.ClientID, r.Sensor),
	}
	if r.Unit != "" {
		payload[keyUnitOfMeasurement] = r.Unit
	}
	if dc, ok := deviceClasses[r.Gas]; ok {
		payload[keyDeviceClass] = dc
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}

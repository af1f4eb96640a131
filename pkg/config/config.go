package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"gopkg.in/yaml.v3"
)

const (
	TransportI2C        = "i2c"
	TransportSerial     = "serial"
	TransportSimulation = "simulation"

	ModePassive    = "passive"
	ModeInitiative = "initiative"

	AlarmLow  = "low"
	AlarmHigh = "high"

	DefaultClientID = "multigas-client"

	defaultAddress = 0x77
	minAddress     = 0x60
	maxAddress     = 0x7F
)

type AlarmConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Threshold int    `json:"threshold" yaml:"threshold"`
	Method    string `json:"method,omitempty" yaml:"method,omitempty"`
}

// SimulationConfig seeds the simulated module. Gas is a symbol such as
// "CO"; Jitter is the relative random spread applied to Raw on every read.
type SimulationConfig struct {
	Gas        string  `json:"gas" yaml:"gas"`
	Raw        uint16  `json:"raw" yaml:"raw"`
	Resolution byte    `json:"resolution" yaml:"resolution"`
	TempADC    uint16  `json:"temp_adc" yaml:"temp_adc"`
	VoltageADC uint16  `json:"voltage_adc,omitempty" yaml:"voltage_adc,omitempty"`
	Jitter     float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

type SensorConfig struct {
	Name             string            `json:"name" yaml:"name"`
	Transport        string            `json:"transport" yaml:"transport"`
	I2CBus           string            `json:"i2c_bus,omitempty" yaml:"i2c_bus,omitempty"`
	I2CAddress       int               `json:"i2c_address,omitempty" yaml:"i2c_address,omitempty"`
	SerialPort       string            `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	Baud             int               `json:"baud,omitempty" yaml:"baud,omitempty"`
	AcquireMode      string            `json:"acquire_mode,omitempty" yaml:"acquire_mode,omitempty"`
	TempCompensation bool              `json:"temp_compensation" yaml:"temp_compensation"`
	Alarm            *AlarmConfig      `json:"alarm,omitempty" yaml:"alarm,omitempty"`
	Simulation       *SimulationConfig `json:"simulation,omitempty" yaml:"simulation,omitempty"`
}

type MQTTConfig struct {
	Server         string `json:"server" yaml:"server"`
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"password" yaml:"password"`
	ClientID       string `json:"client_id" yaml:"client_id"`
	StateTopic     string `json:"state_topic,omitempty" yaml:"state_topic,omitempty"`
	DiscoveryTopic string `json:"discovery_topic,omitempty" yaml:"discovery_topic,omitempty"`
	DiscoveryName  string `json:"discovery_name,omitempty" yaml:"discovery_name,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	Channel  string `json:"channel" yaml:"channel"`
}

type OutputConfig struct {
	Type       string       `json:"type" yaml:"type"`
	IntervalMs int          `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	MQTT       *MQTTConfig  `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Redis      *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type MetricsConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

type Config struct {
	Sensors         []SensorConfig `json:"sensors" yaml:"sensors"`
	Outputs         []OutputConfig `json:"outputs" yaml:"outputs"`
	IntervalMs      int            `json:"interval_ms" yaml:"interval_ms"`
	CalibrationFile string         `json:"calibration_file,omitempty" yaml:"calibration_file,omitempty"`
	Log             LogConfig      `json:"log" yaml:"log"`
	Metrics         MetricsConfig  `json:"metrics" yaml:"metrics"`
}

func DefaultSensor() SensorConfig {
	return SensorConfig{
		Name:        "multigas",
		Transport:   TransportI2C,
		I2CBus:      "1",
		I2CAddress:  defaultAddress,
		AcquireMode: ModePassive,
	}
}

func DefaultConfig() Config {
	return Config{
		Sensors:    []SensorConfig{DefaultSensor()},
		Outputs:    []OutputConfig{{Type: "console", IntervalMs: 1000}},
		IntervalMs: 1000,
		Log:        LogConfig{Level: "info", Format: "text"},
		Metrics:    MetricsConfig{Listen: ":9108"},
	}
}

// MachineClientID derives a stable MQTT client id from the host machine id.
func MachineClientID() string {
	id, err := machineid.ProtectedID("multigas-to-mqtt")
	if err != nil || id == "" {
		return DefaultClientID
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return "multigas-" + id
}

// LoadFile reads a JSON or YAML (by extension) config file over cfg.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	default:
		err = json.Unmarshal(b, cfg)
	}
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// LoadFromFlags loads configuration from os.Args.
func LoadFromFlags() (Config, error) {
	return Load(os.Args[1:])
}

// Load loads configuration from a config file (optional) and flags.
// Flags override values present in the file; sensor flags apply to the
// first sensor.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("multigas-to-mqtt", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagTransport := fs.String("transport", "", "transport: i2c|serial|simulation")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagI2CAddStr := fs.String("i2c-address", "", "I2C address (decimal or 0x hex)")
	flagSerialPort := fs.String("serial-port", "", "Serial device (default /dev/ttyAMA0)")
	flagBaud := fs.Int("baud", -1, "Serial baud rate")
	flagTempComp := fs.String("temp-compensation", "", "Enable temperature compensation (true|false)")
	flagAcquireMode := fs.String("acquire-mode", "", "acquire mode: passive|initiative")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt,redis,prometheus)")
	flagOutputIntervals := fs.String("output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=5000")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "MQTT state topic (%s is replaced by the sensor name)")
	flagRedisAddr := fs.String("redis-addr", "", "Redis address (host:port)")
	flagRedisChannel := fs.String("redis-channel", "", "Redis pub/sub channel")
	flagInterval := fs.Int("interval-ms", -1, "Read interval in ms")
	flagCalibration := fs.String("calibration", "", "Calibration override file (JSON or YAML)")
	flagLogLevel := fs.String("log-level", "", "Log level (debug|info|warn|error)")
	flagLogFormat := fs.String("log-format", "", "Log format (text|json)")
	flagMetricsListen := fs.String("metrics-listen", "", "Prometheus listen address")

	cfg := DefaultConfig()
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *cfgPath != "" {
		if err := LoadFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	sensorFlagSet := *flagTransport != "" || *flagI2CBus != "" || *flagI2CAddStr != "" ||
		*flagSerialPort != "" || *flagBaud != -1 || *flagTempComp != "" || *flagAcquireMode != ""
	if sensorFlagSet && len(cfg.Sensors) == 0 {
		cfg.Sensors = append(cfg.Sensors, DefaultSensor())
	}
	if sensorFlagSet {
		s := &cfg.Sensors[0]
		if *flagTransport != "" {
			s.Transport = *flagTransport
		}
		if *flagI2CBus != "" {
			s.I2CBus = *flagI2CBus
		}
		if *flagI2CAddStr != "" {
			v, err := parseIntOrHex(*flagI2CAddStr)
			if err != nil {
				return cfg, fmt.Errorf("i2c-address: %w", err)
			}
			s.I2CAddress = v
		}
		if *flagSerialPort != "" {
			s.SerialPort = *flagSerialPort
		}
		if *flagBaud != -1 {
			s.Baud = *flagBaud
		}
		if *flagTempComp != "" {
			v, err := strconv.ParseBool(*flagTempComp)
			if err != nil {
				return cfg, fmt.Errorf("temp-compensation: %w", err)
			}
			s.TempCompensation = v
		}
		if *flagAcquireMode != "" {
			s.AcquireMode = *flagAcquireMode
		}
	}

	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p, IntervalMs: cfg.IntervalMs})
		}
		cfg.Outputs = outs
	}
	if *flagOutputIntervals != "" {
		intervals, err := parseKeyIntMap(*flagOutputIntervals)
		if err != nil {
			return cfg, fmt.Errorf("output-intervals: %w", err)
		}
		for i := range cfg.Outputs {
			if v, ok := intervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}

	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopic != "" {
		apply := func(m *MQTTConfig) {
			if *flagMQTTServer != "" {
				m.Server = *flagMQTTServer
			}
			if *flagMQTTUser != "" {
				m.Username = *flagMQTTUser
			}
			if *flagMQTTPass != "" {
				m.Password = *flagMQTTPass
			}
			if *flagClientID != "" {
				m.ClientID = *flagClientID
			}
			if *flagTopic != "" {
				m.StateTopic = *flagTopic
			}
		}
		o := outputOfType(&cfg, "mqtt")
		if o.MQTT == nil {
			o.MQTT = &MQTTConfig{}
		}
		apply(o.MQTT)
	}
	if *flagRedisAddr != "" || *flagRedisChannel != "" {
		o := outputOfType(&cfg, "redis")
		if o.Redis == nil {
			o.Redis = &RedisConfig{}
		}
		if *flagRedisAddr != "" {
			o.Redis.Addr = *flagRedisAddr
		}
		if *flagRedisChannel != "" {
			o.Redis.Channel = *flagRedisChannel
		}
	}

	if *flagCalibration != "" {
		cfg.CalibrationFile = *flagCalibration
	}
	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}
	if *flagLogFormat != "" {
		cfg.Log.Format = *flagLogFormat
	}
	if *flagMetricsListen != "" {
		cfg.Metrics.Listen = *flagMetricsListen
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// outputOfType returns the first output of type typ, appending one if
// there is none.
func outputOfType(cfg *Config, typ string) *OutputConfig {
	for i := range cfg.Outputs {
		if strings.EqualFold(cfg.Outputs[i].Type, typ) {
			return &cfg.Outputs[i]
		}
	}
	cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: typ, IntervalMs: cfg.IntervalMs})
	return &cfg.Outputs[len(cfg.Outputs)-1]
}

func (c *Config) applyDefaults() {
	for i := range c.Sensors {
		s := &c.Sensors[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("sensor%d", i)
		}
		s.Transport = strings.ToLower(s.Transport)
		if s.Transport == "" {
			s.Transport = TransportI2C
		}
		if s.Transport == TransportI2C && s.I2CAddress == 0 {
			s.I2CAddress = defaultAddress
		}
		if s.Transport == TransportSerial {
			if s.SerialPort == "" {
				s.SerialPort = "/dev/ttyAMA0"
			}
			if s.Baud == 0 {
				s.Baud = 9600
			}
		}
		if s.AcquireMode == "" {
			s.AcquireMode = ModePassive
		}
		if s.Alarm != nil && s.Alarm.Method == "" {
			s.Alarm.Method = AlarmHigh
		}
	}
	for i := range c.Outputs {
		c.Outputs[i].Type = strings.ToLower(c.Outputs[i].Type)
		if c.Outputs[i].IntervalMs == 0 {
			c.Outputs[i].IntervalMs = c.IntervalMs
		}
		if m := c.Outputs[i].MQTT; m != nil && m.ClientID == "" {
			m.ClientID = MachineClientID()
		}
	}
}

// Validate reports the first problem found in c.
func (c Config) Validate() error {
	if c.IntervalMs <= 0 {
		return errors.New("interval-ms must be > 0")
	}
	if len(c.Sensors) == 0 {
		return errors.New("at least one sensor is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Sensors {
		if seen[s.Name] {
			return fmt.Errorf("duplicate sensor name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Transport {
		case TransportI2C:
			if s.I2CAddress < minAddress || s.I2CAddress > maxAddress {
				return fmt.Errorf("sensor %s: i2c address 0x%02X out of range 0x60..0x7F", s.Name, s.I2CAddress)
			}
		case TransportSerial:
			if s.Baud <= 0 {
				return fmt.Errorf("sensor %s: baud must be > 0", s.Name)
			}
		case TransportSimulation:
		default:
			return fmt.Errorf("sensor %s: unknown transport %q", s.Name, s.Transport)
		}
		if s.AcquireMode != ModePassive && s.AcquireMode != ModeInitiative {
			return fmt.Errorf("sensor %s: unknown acquire mode %q", s.Name, s.AcquireMode)
		}
		if a := s.Alarm; a != nil {
			if a.Method != AlarmLow && a.Method != AlarmHigh {
				return fmt.Errorf("sensor %s: unknown alarm method %q", s.Name, a.Method)
			}
			if a.Threshold < 0 {
				return fmt.Errorf("sensor %s: alarm threshold must be >= 0", s.Name)
			}
		}
	}
	for _, o := range c.Outputs {
		switch o.Type {
		case "console", "mqtt", "redis", "prometheus":
		default:
			return fmt.Errorf("unknown output %q", o.Type)
		}
		if o.IntervalMs <= 0 {
			return fmt.Errorf("output %s: interval must be > 0", o.Type)
		}
	}
	return nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseKeyIntMap parses "a=1,b=2".
func parseKeyIntMap(s string) (map[string]int, error) {
	out := map[string]int{}
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid entry %q", p)
		}
		v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid value in %q: %w", p, err)
		}
		out[strings.TrimSpace(kv[0])] = v
	}
	return out, nil
}

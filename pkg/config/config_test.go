package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseKeyIntMap(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]int
		ok   bool
	}{
		{"", map[string]int{}, true},
		{"console=1000,mqtt=5000", map[string]int{"console": 1000, "mqtt": 5000}, true},
		{" console = 250 , redis=10", map[string]int{"console": 250, "redis": 10}, true},
		{"bad", nil, false},
		{"mqtt=fast", nil, false},
	}
	for _, tt := range tests {
		got, err := parseKeyIntMap(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseKeyIntMap(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("parseKeyIntMap(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseIntOrHex(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"0x77", 0x77, true},
		{"0X60", 0x60, true},
		{"100", 100, true},
		{"0xZZ", 0, false},
		{"seven", 0, false},
	}
	for _, tt := range tests {
		got, err := parseIntOrHex(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("parseIntOrHex(%q) ok=%v err=%v", tt.in, tt.ok, err)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("parseIntOrHex(%q) = %d; want %d", tt.in, got, tt.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Fatalf("defaults changed by Load: %+v", cfg)
	}
}

func TestLoadSensorFlags(t *testing.T) {
	cfg, err := Load([]string{
		"-transport", "serial",
		"-serial-port", "/dev/ttyUSB0",
		"-baud", "19200",
		"-temp-compensation", "true",
		"-acquire-mode", "initiative",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s := cfg.Sensors[0]
	if s.Transport != TransportSerial || s.SerialPort != "/dev/ttyUSB0" || s.Baud != 19200 {
		t.Fatalf("serial flags not applied: %+v", s)
	}
	if !s.TempCompensation || s.AcquireMode != ModeInitiative {
		t.Fatalf("mode flags not applied: %+v", s)
	}
}

func TestLoadOutputFlags(t *testing.T) {
	cfg, err := Load([]string{
		"-interval-ms", "500",
		"-outputs", "console,mqtt",
		"-output-intervals", "mqtt=5000",
		"-mqtt-server", "tcp://broker:1883",
		"-mqtt-client-id", "bench",
		"-mqtt-topic", "lab/%s",
		"-redis-addr", "localhost:6379",
		"-redis-channel", "gas",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Outputs) != 3 {
		t.Fatalf("outputs: %+v", cfg.Outputs)
	}
	if cfg.Outputs[0].IntervalMs != 500 || cfg.Outputs[1].IntervalMs != 5000 {
		t.Fatalf("intervals: %+v", cfg.Outputs)
	}
	m := cfg.Outputs[1].MQTT
	if m == nil || m.Server != "tcp://broker:1883" || m.ClientID != "bench" || m.StateTopic != "lab/%s" {
		t.Fatalf("mqtt: %+v", m)
	}
	r := cfg.Outputs[2]
	if r.Type != "redis" || r.Redis == nil || r.Redis.Addr != "localhost:6379" || r.Redis.Channel != "gas" || r.IntervalMs != 500 {
		t.Fatalf("redis: %+v", r)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := map[string][]string{
		"interval":  {"-interval-ms", "0"},
		"transport": {"-transport", "spi"},
		"address":   {"-i2c-address", "0x48"},
		"baud":      {"-transport", "serial", "-baud", "0"},
		"mode":      {"-acquire-mode", "lazy"},
		"output":    {"-outputs", "stdout"},
		"bool":      {"-temp-compensation", "maybe"},
		"flag":      {"-no-such-flag"},
	}
	for name, args := range tests {
		if _, err := Load(args); err == nil {
			t.Fatalf("%s: expected error for %s", name, strings.Join(args, " "))
		}
	}
}

func TestValidateDuplicateNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sensors = append(cfg.Sensors, DefaultSensor())
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestMachineClientID(t *testing.T) {
	id := MachineClientID()
	if !strings.HasPrefix(id, "multigas-") {
		t.Fatalf("client id %q", id)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ericogr/multigas-to-mqtt/pkg/config"
	"github.com/ericogr/multigas-to-mqtt/pkg/gas"
	"github.com/ericogr/multigas-to-mqtt/pkg/output"
	"github.com/ericogr/multigas-to-mqtt/pkg/output/console"
	"github.com/ericogr/multigas-to-mqtt/pkg/output/mqtt"
	promout "github.com/ericogr/multigas-to-mqtt/pkg/output/prometheus"
	redisout "github.com/ericogr/multigas-to-mqtt/pkg/output/redis"
	"github.com/ericogr/multigas-to-mqtt/pkg/sensor"
	"github.com/ericogr/multigas-to-mqtt/pkg/transport"
	"github.com/sirupsen/logrus"
)

type outputEntry struct {
	Type       string
	Out        output.Output
	IntervalMs int
}

func main() {
	cfg, err := config.LoadFromFlags()
	log := setupLogger(cfg.Log)
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("multigas-to-mqtt stopped")
	}
}

func run(cfg config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table := gas.DefaultTable()
	if cfg.CalibrationFile != "" {
		var err error
		if table, err = gas.LoadTable(cfg.CalibrationFile); err != nil {
			return fmt.Errorf("calibration: %w", err)
		}
		log.WithField("file", cfg.CalibrationFile).Info("calibration overrides loaded")
	}

	var metrics *promout.Metrics
	if hasOutput(cfg, "prometheus") {
		metrics = promout.NewMetrics()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	entries, err := initOutputs(&cfg, cfg.IntervalMs, log, metrics)
	if err != nil {
		return fmt.Errorf("outputs: %w", err)
	}
	defer func() {
		for _, e := range entries {
			_ = e.Out.Close()
		}
	}()

	sessions, err := openSensors(cfg.Sensors, func(sc config.SensorConfig) (*sensor.Session, error) {
		opts := []sensor.Option{sensor.WithLogger(log), sensor.WithCalibration(table)}
		if metrics != nil {
			opts = append(opts, sensor.WithTransportOptions(transport.WithRetryHook(metrics.RetryHook(sc.Name))))
		}
		return sensor.New(sc, opts...)
	})
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range sessions {
			_ = s.Close()
		}
	}()

	readings := make(chan sensor.Reading, 16)
	var wg sync.WaitGroup
	for i, sc := range cfg.Sensors {
		s := sessions[i]
		if err := sensor.Setup(ctx, s, sc); err != nil {
			log.WithError(err).WithField("sensor", sc.Name).Warn("sensor setup incomplete")
		}
		var onErr func()
		if metrics != nil {
			name := sc.Name
			onErr = func() { metrics.ObserveReadError(name) }
		}
		interval := time.Duration(max(cfg.IntervalMs, computeSensorInterval(sc))) * time.Millisecond
		log.WithFields(logrus.Fields{"sensor": sc.Name, "transport": sc.Transport, "interval": interval}).Info("polling sensor")

		wg.Add(1)
		go func(sc config.SensorConfig) {
			defer wg.Done()
			pollSensor(ctx, s, sc, interval, readings, onErr, log)
		}(sc)
	}

	latest := newLatest()
	go func() {
		for r := range readings {
			latest.update(r)
		}
	}()
	for _, e := range entries {
		wg.Add(1)
		go func(e outputEntry) {
			defer wg.Done()
			publishLoop(ctx, e, latest, log)
		}(e)
	}

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
	close(readings)
	return nil
}

// openSensors opens every configured sensor in order. If one fails, the
// sessions already opened are closed.
func openSensors(scs []config.SensorConfig, open func(config.SensorConfig) (*sensor.Session, error)) ([]*sensor.Session, error) {
	sessions := make([]*sensor.Session, 0, len(scs))
	for _, sc := range scs {
		s, err := open(sc)
		if err != nil {
			for _, o := range sessions {
				_ = o.Close()
			}
			return nil, fmt.Errorf("open sensor %s: %w", sc.Name, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}
	return log
}

func hasOutput(cfg config.Config, typ string) bool {
	for _, o := range cfg.Outputs {
		if strings.EqualFold(o.Type, typ) {
			return true
		}
	}
	return false
}

// computeSensorInterval returns the shortest time in ms one poll of the
// sensor can take: every command pays the transport settle time, and
// compensation adds a temperature query.
func computeSensorInterval(sc config.SensorConfig) int {
	perCommand := 0
	switch sc.Transport {
	case config.TransportI2C, "":
		perCommand = 100
	case config.TransportSerial:
		perCommand = 1000
	}
	if sc.AcquireMode == config.ModeInitiative && sc.Transport == config.TransportSerial {
		// the module pushes once per second and nothing is sent
		return 1000
	}
	commands := 1
	if sc.TempCompensation && sc.AcquireMode != config.ModeInitiative {
		commands++
	}
	return commands * perCommand
}

func initOutputs(cfg *config.Config, defaultInterval int, log logrus.FieldLogger, metrics *promout.Metrics) ([]outputEntry, error) {
	entries := make([]outputEntry, 0, len(cfg.Outputs))
	for i := range cfg.Outputs {
		oc := &cfg.Outputs[i]
		if oc.IntervalMs == 0 {
			oc.IntervalMs = defaultInterval
		}
		var (
			o   output.Output
			err error
		)
		switch strings.ToLower(oc.Type) {
		case "console":
			o = console.NewConsole()
		case "mqtt":
			var mc config.MQTTConfig
			if oc.MQTT != nil {
				mc = *oc.MQTT
			}
			o, err = mqtt.NewMQTT(mc, log)
		case "redis":
			var rc config.RedisConfig
			if oc.Redis != nil {
				rc = *oc.Redis
			}
			o, err = redisout.NewRedis(rc, log)
		case "prometheus":
			if metrics == nil {
				return nil, errors.New("prometheus output without metrics registry")
			}
			o = metrics
		default:
			err = fmt.Errorf("unknown output %q", oc.Type)
		}
		if err != nil {
			for _, e := range entries {
				_ = e.Out.Close()
			}
			return nil, fmt.Errorf("%s: %w", oc.Type, err)
		}
		entries = append(entries, outputEntry{Type: oc.Type, Out: o, IntervalMs: oc.IntervalMs})
	}
	return entries, nil
}

// pollSensor reads s every interval until ctx is done. Passive sensors are
// queried; initiative sensors are polled for data they pushed.
func pollSensor(ctx context.Context, s *sensor.Session, sc config.SensorConfig, interval time.Duration, out chan<- sensor.Reading, onErr func(), log logrus.FieldLogger) {
	log = log.WithField("sensor", s.Name())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r, err := readOnce(ctx, s, sc)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.WithError(err).Warn("read failed")
			if onErr != nil {
				onErr()
			}
		default:
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func readOnce(ctx context.Context, s *sensor.Session, sc config.SensorConfig) (sensor.Reading, error) {
	if sc.AcquireMode == config.ModeInitiative {
		if _, err := s.PollAvailable(ctx); err != nil {
			return sensor.Reading{}, err
		}
		return s.Last(), nil
	}
	return s.Read(ctx)
}

func publishLoop(ctx context.Context, e outputEntry, latest *latestReadings, log logrus.FieldLogger) {
	log = log.WithField("output", e.Type)
	ticker := time.NewTicker(time.Duration(e.IntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs := latest.snapshot()
			if len(rs) == 0 {
				continue
			}
			if err := e.Out.Publish(rs); err != nil {
				log.WithError(err).Warn("publish failed")
			}
		}
	}
}

// latestReadings keeps the newest reading of every sensor.
type latestReadings struct {
	mu sync.Mutex
	m  map[string]sensor.Reading
}

func newLatest() *latestReadings {
	return &latestReadings{m: map[string]sensor.Reading{}}
}

func (l *latestReadings) update(r sensor.Reading) {
	l.mu.Lock()
	l.m[r.Sensor] = r
	l.mu.Unlock()
}

// snapshot returns the readings ordered by sensor name.
func (l *latestReadings) snapshot() []sensor.Reading {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sensor.Reading, 0, len(l.m))
	for _, r := range l.m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sensor < out[j].Sensor })
	return out
}

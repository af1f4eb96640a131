package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/ericogr/multigas-to-mqtt/pkg/config"
	"github.com/ericogr/multigas-to-mqtt/pkg/sensor"
)

const sessionKey = "$session"

// command is one shell command. run returns the text to print.
type command struct {
	Name    string
	Aliases []string
	Help    string
	Run     func(ctx context.Context, s *sensor.Session, args []string) (string, error)
}

var commands = []command{
	{
		Name: "mode",
		Help: "passive|initiative",
		Run: func(ctx context.Context, s *sensor.Session, args []string) (string, error) {
			if len(args) < 1 {
				return "", errors.New("MODE required")
			}
			mode, err := sensor.ParseAcquireMode(args[0])
			if err != nil {
				return "", err
			}
			ok, err := s.SetAcquireMode(ctx, mode)
			return okText(ok), err
		},
	},
	{
		Name:    "conc",
		Aliases: []string{"c"},
		Help:    "read concentration",
		Run: func(ctx context.Context, s *sensor.Session, _ []string) (string, error) {
			v, err := s.ReadConcentration(ctx)
			if err != nil {
				return "", err
			}
			r := s.Last()
			return strings.TrimSpace(fmt.Sprintf("%.2f %s", v, r.Unit)), nil
		},
	},
	{
		Name: "type",
		Help: "read probe gas type",
		Run: func(ctx context.Context, s *sensor.Session, _ []string) (string, error) {
			g, err := s.ReadGasType(ctx)
			if err != nil {
				return "", err
			}
			if !g.Valid() {
				return "unknown", nil
			}
			return g.String(), nil
		},
	},
	{
		Name:    "temp",
		Aliases: []string{"t"},
		Help:    "read board temperature",
		Run: func(ctx context.Context, s *sensor.Session, _ []string) (string, error) {
			v, err := s.ReadTemperature(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%.2f °C", v), nil
		},
	},
	{
		Name: "comp",
		Help: "on|off temperature compensation",
		Run: func(ctx context.Context, s *sensor.Session, args []string) (string, error) {
			if len(args) < 1 {
				return fmt.Sprintf("compensation %s", onOff(s.TempCompensation())), nil
			}
			on, err := parseOnOff(args[0])
			if err != nil {
				return "", err
			}
			if err := s.SetTempCompensation(ctx, on); err != nil {
				return "", err
			}
			return fmt.Sprintf("compensation %s", onOff(on)), nil
		},
	},
	{
		Name:    "voltage",
		Aliases: []string{"v"},
		Help:    "read probe voltage",
		Run: func(ctx context.Context, s *sensor.Session, _ []string) (string, error) {
			v, err := s.ReadVoltage(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%.4f V", v), nil
		},
	},
	{
		Name: "alarm",
		Help: "on|off THRESHOLD [low|high]",
		Run: func(ctx context.Context, s *sensor.Session, args []string) (string, error) {
			if len(args) < 2 {
				return "", errors.New("STATE and THRESHOLD required")
			}
			on, err := parseOnOff(args[0])
			if err != nil {
				return "", err
			}
			threshold, err := strconv.Atoi(args[1])
			if err != nil {
				return "", fmt.Errorf("invalid THRESHOLD: %v", err)
			}
			method := sensor.AlarmHigh
			if len(args) > 2 {
				if method, err = sensor.ParseAlarmMethod(args[2]); err != nil {
					return "", err
				}
			}
			ok, err := s.SetThresholdAlarm(ctx, on, threshold, method)
			return okText(ok), err
		},
	},
	{
		Name: "group",
		Help: "N move the module to address group 1..8",
		Run: func(ctx context.Context, s *sensor.Session, args []string) (string, error) {
			if len(args) < 1 {
				return "", errors.New("GROUP required")
			}
			g, err := strconv.Atoi(args[0])
			if err != nil {
				return "", fmt.Errorf("invalid GROUP: %v", err)
			}
			addr, _, err := s.SetAddressGroup(ctx, g)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("new address 0x%02X (use addr 0x%02X to follow it)", addr, addr), nil
		},
	},
	{
		Name:    "poll",
		Aliases: []string{"p"},
		Help:    "check for and decode fresh data",
		Run: func(ctx context.Context, s *sensor.Session, _ []string) (string, error) {
			ok, err := s.PollAvailable(ctx)
			if err != nil {
				return "", err
			}
			if !ok {
				return "no data", nil
			}
			return formatReading(s.Last()), nil
		},
	},
	{
		Name:    "read",
		Aliases: []string{"r"},
		Help:    "read a full sample",
		Run: func(ctx context.Context, s *sensor.Session, _ []string) (string, error) {
			r, err := s.Read(ctx)
			if err != nil {
				return "", err
			}
			return formatReading(r), nil
		},
	},
	{
		Name: "addr",
		Help: "[ADDR] show or change the I2C address used",
		Run: func(_ context.Context, s *sensor.Session, args []string) (string, error) {
			if len(args) > 0 {
				v, err := strconv.ParseUint(args[0], 0, 16)
				if err != nil {
					return "", fmt.Errorf("invalid ADDR: %v", err)
				}
				if err := s.SetAddress(uint16(v)); err != nil {
					return "", err
				}
			}
			addr, err := s.Address()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("0x%02X", addr), nil
		},
	},
}

func okText(ok bool) string {
	if ok {
		return "ok"
	}
	return "refused"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func formatReading(r sensor.Reading) string {
	gas := r.Gas.String()
	if gas == "" {
		gas = "unknown"
	}
	return fmt.Sprintf("%s %.2f %s board=%.2f°C raw_temp=%d", gas, r.Concentration, r.Unit, r.BoardTempC, r.RawADCTemp)
}

// ishellCmd adapts a command to the shell. The session is taken from the
// shell store.
func ishellCmd(ctx context.Context, cmd command) *ishell.Cmd {
	return &ishell.Cmd{
		Name:    cmd.Name,
		Aliases: cmd.Aliases,
		Help:    cmd.Help,
		Func: func(c *ishell.Context) {
			s, ok := c.Get(sessionKey).(*sensor.Session)
			if !ok {
				c.Err(errors.New("no sensor open"))
				return
			}
			out, err := cmd.Run(ctx, s, c.Args)
			if err != nil {
				c.Err(err)
				return
			}
			c.Println(out)
		},
	}
}

func newShell(ctx context.Context, s *sensor.Session, sc config.SensorConfig) *ishell.Shell {
	sh := ishell.New()
	sh.Set(sessionKey, s)
	sh.SetPrompt(fmt.Sprintf("[%s] > ", sc.Name))
	for _, cmd := range commands {
		sh.AddCmd(ishellCmd(ctx, cmd))
	}
	return sh
}

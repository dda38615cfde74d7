package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/XANi/azen2prom/history"
	"github.com/XANi/azen2prom/queue"
	"github.com/XANi/azen2prom/registry"
	"github.com/goccy/go-yaml"
)

var (
	ErrNoSerial = errors.New("device serial not set")
	ErrNoHost   = errors.New("mqtt host not set")
)

// Serial is the device serial as written in the config file. An unquoted
// serial like 0012345 is kept as typed instead of being read as an octal
// number.
type Serial string

func (s *Serial) UnmarshalYAML(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if strings.HasPrefix(raw, `"`) || strings.HasPrefix(raw, "'") {
		var v string
		if err := yaml.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = Serial(v)
		return nil
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	if raw == "~" || raw == "null" {
		raw = ""
	}
	if strings.ContainsAny(raw, "\n[]{}:") {
		return fmt.Errorf("serial must be a plain scalar, got %q", raw)
	}
	*s = Serial(raw)
	return nil
}

func (s Serial) String() string {
	return string(s)
}

type ConfigWithDefault interface {
	GetDefaultConfig() string
}

type Config struct {
	MQTTHost      string `yaml:"mqtt_host"`
	MQTTPort      int    `yaml:"mqtt_port"`
	MQTTTLS       *bool  `yaml:"mqtt_tls"`
	MQTTTLSVerify bool   `yaml:"mqtt_tls_verify"`
	MQTTProtocol  string `yaml:"mqtt_protocol"`
	MQTTClientID  string `yaml:"mqtt_client_id"`
	MQTTUsername  string `yaml:"mqtt_username"`
	MQTTPassword  string `yaml:"mqtt_password"`
	Serial        Serial `yaml:"serial"`

	// durations are whole seconds
	MQTTKeepAlive           int  `yaml:"mqtt_keepalive"`
	ExpireAfter             int  `yaml:"expire_after"`
	LivenessTimeout         int  `yaml:"liveness_timeout"`
	ReconnectInitial        int  `yaml:"reconnect_initial"`
	ReconnectMax            int  `yaml:"reconnect_max"`
	UnavailableOnDisconnect bool `yaml:"unavailable_on_disconnect"`

	ListenAddress    string            `yaml:"address"`
	PProfAddress     string            `yaml:"pprof_address"`
	PrometheusPrefix string            `yaml:"prometheus_prefix"`
	ExtraLabels      map[string]string `yaml:"extra_labels"`
	HistoryDriver    string            `yaml:"history_driver"`
	HistoryDSN       string            `yaml:"history_dsn"`
	Debug            bool              `yaml:"debug"`
}

func (c *Config) GetDefaultConfig() string {
	h, _ := os.Hostname()
	tls := true
	cfg := Config{
		MQTTHost:         "192.168.1.50",
		MQTTPort:         8883,
		MQTTTLS:          &tls,
		MQTTProtocol:     queue.Protocol311,
		MQTTKeepAlive:    30,
		Serial:           "000000",
		ExpireAfter:      120,
		LivenessTimeout:  120,
		ReconnectInitial: 1,
		ReconnectMax:     30,
		ListenAddress:    "127.0.0.1:3001",
		PrometheusPrefix: "azen_",
		HistoryDriver:    history.DriverSqlite,
		HistoryDSN:       "",
		ExtraLabels: map[string]string{
			"host": h,
		},
	}
	b, _ := yaml.Marshal(&cfg)
	return string(b)
}

// TLS defaults to on; the device broker only listens on 8883.
func (c *Config) TLS() bool {
	return c.MQTTTLS == nil || *c.MQTTTLS
}

func (c *Config) Validate() error {
	if c.Serial == "" {
		return ErrNoSerial
	}
	if c.MQTTHost == "" {
		return ErrNoHost
	}
	if c.MQTTProtocol != "" && c.MQTTProtocol != queue.Protocol311 && c.MQTTProtocol != queue.Protocol5 {
		return queue.ErrUnknownProtocol
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Queue returns the session settings. A negative liveness_timeout disables
// the watchdog.
func (c *Config) Queue() queue.Config {
	return queue.Config{
		Serial:   c.Serial.String(),
		Protocol: c.MQTTProtocol,
		Dial: queue.DialConfig{
			Host:      c.MQTTHost,
			Port:      c.MQTTPort,
			TLS:       c.TLS(),
			TLSVerify: c.MQTTTLSVerify,
			ClientID:  c.MQTTClientID,
			Username:  c.MQTTUsername,
			Password:  c.MQTTPassword,
			KeepAlive: seconds(c.MQTTKeepAlive),
		},
		InitialDelay:    seconds(c.ReconnectInitial),
		MaxDelay:        seconds(c.ReconnectMax),
		LivenessTimeout: seconds(c.LivenessTimeout),
	}
}

func (c *Config) Registry() registry.Config {
	return registry.Config{
		Serial:                  c.Serial.String(),
		DefaultExpireAfter:      seconds(c.ExpireAfter),
		UnavailableOnDisconnect: c.UnavailableOnDisconnect,
	}
}

// History returns false when readings should not be recorded.
func (c *Config) History() (history.Config, bool) {
	if c.HistoryDriver == "" || c.HistoryDSN == "" {
		return history.Config{}, false
	}
	return history.Config{Driver: c.HistoryDriver, DSN: c.HistoryDSN}, true
}

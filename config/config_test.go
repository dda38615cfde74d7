package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/XANi/azen2prom/queue"
	"github.com/XANi/go-yamlcfg"
	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigParses(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte((&Config{}).GetDefaultConfig()), &cfg))
	assert.NoError(t, cfg.Validate())
	assert.True(t, cfg.TLS())
	assert.Equal(t, 8883, cfg.MQTTPort)
	assert.Equal(t, 120, cfg.ExpireAfter)
	assert.Contains(t, cfg.ExtraLabels, "host")
	_, ok := cfg.History()
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	cfg := Config{MQTTHost: "192.168.1.50"}
	assert.ErrorIs(t, cfg.Validate(), ErrNoSerial)
	cfg = Config{Serial: "504589"}
	assert.ErrorIs(t, cfg.Validate(), ErrNoHost)
	cfg = Config{Serial: "504589", MQTTHost: "192.168.1.50", MQTTProtocol: "3"}
	assert.ErrorIs(t, cfg.Validate(), queue.ErrUnknownProtocol)
	cfg.MQTTProtocol = "5"
	assert.NoError(t, cfg.Validate())
}

func TestTLSOptOut(t *testing.T) {
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte("serial: \"007890\"\nmqtt_host: azen.local\nmqtt_tls: false\n"), &cfg))
	assert.False(t, cfg.TLS())
	assert.Equal(t, Serial("007890"), cfg.Serial)
	assert.False(t, cfg.Queue().Dial.TLS)
}

func TestQueueAndRegistryConfig(t *testing.T) {
	cfg := Config{
		Serial:           "504589",
		MQTTHost:         "192.168.1.50",
		MQTTUsername:     "user",
		MQTTPassword:     "secret",
		MQTTKeepAlive:    45,
		ExpireAfter:      300,
		LivenessTimeout:  -1,
		ReconnectInitial: 2,
		ReconnectMax:     60,
	}
	q := cfg.Queue()
	assert.Equal(t, "504589", q.Serial)
	assert.True(t, q.Dial.TLS)
	assert.False(t, q.Dial.TLSVerify)
	assert.Equal(t, 45*time.Second, q.Dial.KeepAlive)
	assert.Equal(t, "secret", q.Dial.Password)
	assert.Equal(t, 2*time.Second, q.InitialDelay)
	assert.Equal(t, time.Minute, q.MaxDelay)
	assert.Negative(t, q.LivenessTimeout)

	r := cfg.Registry()
	assert.Equal(t, 5*time.Minute, r.DefaultExpireAfter)

	cfg.HistoryDriver = "sqlite"
	cfg.HistoryDSN = "/tmp/azen.db"
	h, ok := cfg.History()
	assert.True(t, ok)
	assert.Equal(t, "/tmp/azen.db", h.DSN)
}

func TestSerialKeptAsTyped(t *testing.T) {
	for _, tc := range []struct {
		doc  string
		want Serial
	}{
		{"serial: 0012345\n", "0012345"},
		{"serial: 007890\n", "007890"},
		{"serial: \"0012345\"\n", "0012345"},
		{"serial: '000000'\n", "000000"},
		{"serial: 504589 # garage\n", "504589"},
		{"serial: ABC123\n", "ABC123"},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			var cfg Config
			require.NoError(t, yaml.Unmarshal([]byte(tc.doc), &cfg))
			assert.Equal(t, tc.want, cfg.Serial)
			assert.Equal(t, string(tc.want), cfg.Queue().Serial)
		})
	}
}

func TestSerialFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "azen2prom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serial: 0012345\nmqtt_host: 192.168.1.50\n"), 0o600))
	var cfg Config
	require.NoError(t, yamlcfg.LoadConfig([]string{path}, &cfg))
	assert.Equal(t, Serial("0012345"), cfg.Serial)
	assert.Equal(t, "0012345", cfg.Registry().Serial)
}

func TestSerialRejectsCollections(t *testing.T) {
	var cfg Config
	assert.Error(t, yaml.Unmarshal([]byte("serial: [1, 2]\n"), &cfg))
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/XANi/azen2prom/azen"
	"github.com/XANi/azen2prom/device"
	"github.com/XANi/azen2prom/history"
	"github.com/XANi/azen2prom/queue"
	"github.com/XANi/azen2prom/registry"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSource struct {
	connected bool
	sensors   []registry.Snapshot
}

func (f *fakeSource) Serial() string { return "504589" }

func (f *fakeSource) Status() queue.Status {
	return queue.Status{Connected: f.connected, State: queue.StateStreaming, MessagesReceived: 12}
}

func (f *fakeSource) Connection() queue.ConnectionInfo {
	return queue.ConnectionInfo{Serial: "504589", Host: "192.168.1.50", Port: 8883, TLS: true, Connected: f.connected}
}

func (f *fakeSource) Topics() azen.Topics {
	return azen.Topics{Discovery: azen.DiscoveryTopic("504589"), State: azen.StateTopic("504589")}
}

func (f *fakeSource) Diagnostics() device.Diagnostics {
	return device.Diagnostics{
		Connection: f.Connection(),
		Topics:     f.Topics(),
		Statistics: f.Status(),
		Sensors:    device.SensorSummary{Count: len(f.sensors), Entities: f.sensors},
	}
}

func (f *fakeSource) Sensors() []registry.Snapshot { return f.sensors }

func (f *fakeSource) Sensor(id string) (registry.Snapshot, bool) {
	for _, s := range f.sensors {
		if s.UniqueID == id {
			return s, true
		}
	}
	return registry.Snapshot{}, false
}

type fakeHistory struct {
	err error
}

func (f *fakeHistory) Readings(id string, limit int) ([]history.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := []history.Reading{{UniqueID: id, Value: 1}, {UniqueID: id, Value: 2}, {UniqueID: id, Value: 3}}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func newTestSource() *fakeSource {
	v := 85.5
	return &fakeSource{
		connected: true,
		sensors: []registry.Snapshot{{
			UniqueID:    "azen_504589_battery_soc",
			Name:        "Battery SOC",
			StateTopic:  "azen/504589/sensor/battery_soc/state",
			Unit:        "%",
			DeviceClass: azen.DeviceClassBattery,
			Value:       &v,
			Available:   true,
		}},
	}
}

func newTestBackend(t *testing.T, cfg Config) *WebBackend {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t).Sugar()
	if cfg.Source == nil {
		cfg.Source = newTestSource()
	}
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(context.Background()) })
	return b
}

func get(t *testing.T, b *WebBackend, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New(Config{Logger: zaptest.NewLogger(t).Sugar()})
	assert.Error(t, err)
	_, err = New(Config{Source: newTestSource()})
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	b := newTestBackend(t, Config{})
	rec := get(t, b, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "504589", got["serial"])
	assert.Equal(t, 1.0, got["sensors"])
	conn := got["connection"].(map[string]any)
	assert.Equal(t, true, conn["connected"])
	assert.Equal(t, true, conn["tls_enabled"])
	stats := got["mqtt_statistics"].(map[string]any)
	assert.Equal(t, "streaming", stats["state"])
	assert.Equal(t, 12.0, stats["messages_received"])
}

func TestDiagnostics(t *testing.T) {
	b := newTestBackend(t, Config{})
	rec := get(t, b, "/api/diagnostics")
	require.Equal(t, http.StatusOK, rec.Code)
	var got device.Diagnostics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.Sensors.Count)
	assert.Equal(t, "homeassistant/sensor/azen_504589/+/config", got.Topics.Discovery)
	assert.Equal(t, "azen/504589/sensor/+/state", got.Topics.State)
}

func TestSensors(t *testing.T) {
	b := newTestBackend(t, Config{})
	rec := get(t, b, "/api/sensors")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []registry.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Value)
	assert.Equal(t, 85.5, *list[0].Value)

	rec = get(t, b, "/api/sensors/azen_504589_battery_soc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unit_of_measurement":"%"`)

	rec = get(t, b, "/api/sensors/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "sensor not found")
}

func TestReadings(t *testing.T) {
	b := newTestBackend(t, Config{})
	assert.Equal(t, http.StatusNotFound, get(t, b, "/api/sensors/azen_504589_battery_soc/readings").Code)

	b = newTestBackend(t, Config{History: &fakeHistory{}})
	rec := get(t, b, "/api/sensors/azen_504589_battery_soc/readings?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var readings []history.Reading
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &readings))
	assert.Len(t, readings, 2)

	assert.Equal(t, http.StatusBadRequest, get(t, b, "/api/sensors/azen_504589_battery_soc/readings?limit=x").Code)
	assert.Equal(t, http.StatusNotFound, get(t, b, "/api/sensors/missing/readings").Code)

	b = newTestBackend(t, Config{History: &fakeHistory{err: errors.New("db gone")}})
	assert.Equal(t, http.StatusInternalServerError, get(t, b, "/api/sensors/azen_504589_battery_soc/readings").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	src := newTestSource()
	b := newTestBackend(t, Config{
		Source: src,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("azen_mqtt_connected 1\n"))
		}),
	})
	assert.Equal(t, http.StatusOK, get(t, b, "/health").Code)
	src.connected = false
	assert.Equal(t, http.StatusServiceUnavailable, get(t, b, "/health").Code)

	rec := get(t, b, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "azen_mqtt_connected 1\n", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get(t, b, "/nope").Code)
}

func TestWebsocketFeed(t *testing.T) {
	b := newTestBackend(t, Config{})
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventSnapshot, ev["type"])
	assert.Equal(t, "504589", ev["serial"])

	require.Eventually(t, func() bool { return b.Hub().Clients() == 1 }, 5*time.Second, 5*time.Millisecond)
	b.Hub().ConnectionListener("504589")(false)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventConnection, ev["type"])
	assert.Equal(t, map[string]any{"connected": false}, ev["payload"])

	r := registry.New(registry.Config{Serial: "504589", Listeners: []registry.Listener{b.Hub().Listener("504589")}})
	r.OnDiscovery(azen.Discovery{UniqueID: "soc", StateTopic: "azen/504589/sensor/soc/state"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventSensorAdded, ev["type"])
	r.OnState("azen/504589/sensor/soc/state", 3)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventSensorUpdated, ev["type"])
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventAvailabilityChanged, ev["type"])
}

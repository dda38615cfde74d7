package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/XANi/azen2prom/queue"
	"github.com/XANi/azen2prom/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const DefaultPrefix = "azen"

// StatusSource is what the connection collector reads on every scrape.
type StatusSource interface {
	Serial() string
	Status() queue.Status
}

type Config struct {
	// Prefix is the metric namespace, "azen" when empty.
	Prefix      string
	ExtraLabels map[string]string
	Logger      *zap.SugaredLogger
}

// Exporter turns registry events into Prometheus gauges and exposes the
// connection statistics of registered queues.
type Exporter struct {
	log       *zap.SugaredLogger
	namespace string
	constLbl  prometheus.Labels
	reg       *prometheus.Registry

	value     *prometheus.GaugeVec
	available *prometheus.GaugeVec
	updated   *prometheus.GaugeVec

	sync.Mutex
	classGauges map[string]*prometheus.GaugeVec
	warned      map[string]bool
}

var sensorLabels = []string{"serial", "sensor", "name"}

func New(cfg Config) *Exporter {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	ns := strings.TrimSuffix(cfg.Prefix, "_")
	if ns == "" {
		ns = DefaultPrefix
	}
	e := &Exporter{
		log:         cfg.Logger,
		namespace:   ns,
		constLbl:    prometheus.Labels(cfg.ExtraLabels),
		reg:         prometheus.NewRegistry(),
		classGauges: map[string]*prometheus.GaugeVec{},
		warned:      map[string]bool{},
	}
	e.value = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "sensor",
		Name:        "value",
		Help:        "Last value received for a sensor, in the unit the device reports",
		ConstLabels: e.constLbl,
	}, []string{"serial", "sensor", "name", "unit", "device_class", "state_class"})
	e.available = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "sensor",
		Name:        "available",
		Help:        "1 if the sensor received a value within its expiry",
		ConstLabels: e.constLbl,
	}, sensorLabels)
	e.updated = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "sensor",
		Name:        "last_update_timestamp_seconds",
		Help:        "Unix time of the last value received for a sensor",
		ConstLabels: e.constLbl,
	}, sensorLabels)
	e.reg.MustRegister(e.value, e.available, e.updated)
	return e
}

// Registry is the Prometheus registry backing Handler.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.reg
}

func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{})
}

// Listener wires the exporter into a registry for serial.
func (e *Exporter) Listener(serial string) registry.Listener {
	return registry.Listener{
		SensorAdded: func(s *registry.Sensor) {
			e.available.WithLabelValues(serial, s.UniqueID(), s.Name()).Set(0)
		},
		SensorUpdated: func(s *registry.Sensor) {
			e.observe(serial, s)
		},
		AvailabilityChanged: func(s *registry.Sensor, available bool) {
			v := 0.0
			if available {
				v = 1
			}
			e.available.WithLabelValues(serial, s.UniqueID(), s.Name()).Set(v)
		},
	}
}

func (e *Exporter) observe(serial string, s *registry.Sensor) {
	v, ok := s.Value()
	if !ok {
		return
	}
	e.value.WithLabelValues(serial, s.UniqueID(), s.Name(), s.Unit(), string(s.DeviceClass()), string(s.StateClass())).Set(v)
	e.updated.WithLabelValues(serial, s.UniqueID(), s.Name()).Set(float64(s.LastUpdate().UnixNano()) / 1e9)

	if s.DeviceClass() == "" {
		return
	}
	m, conv, ok := baseUnit(s.DeviceClass(), s.Unit())
	if !ok {
		e.warnOnce(s.UniqueID(), "sensor %s: no conversion for class %q unit %q, only exported as raw value", s.UniqueID(), s.DeviceClass(), s.Unit())
		return
	}
	e.classGauge(m).WithLabelValues(serial, s.UniqueID(), s.Name()).Set(conv(v))
}

func (e *Exporter) warnOnce(key, format string, args ...any) {
	e.Lock()
	seen := e.warned[key]
	e.warned[key] = true
	e.Unlock()
	if !seen {
		e.log.Warnf(format, args...)
	}
}

func (e *Exporter) classGauge(m classMetric) *prometheus.GaugeVec {
	e.Lock()
	defer e.Unlock()
	if g, ok := e.classGauges[m.name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   e.namespace,
		Name:        m.name,
		Help:        m.help,
		ConstLabels: e.constLbl,
	}, sensorLabels)
	e.reg.MustRegister(g)
	e.classGauges[m.name] = g
	return g
}

// RegisterQueue exports the connection statistics of src.
func (e *Exporter) RegisterQueue(src StatusSource) error {
	return e.reg.Register(newConnectionCollector(e.namespace, e.constLbl, src))
}

type connectionCollector struct {
	src         StatusSource
	connected   *prometheus.Desc
	connections *prometheus.Desc
	reconnects  *prometheus.Desc
	messages    *prometheus.Desc
	decodeErrs  *prometheus.Desc
	lastMessage *prometheus.Desc
}

func newConnectionCollector(ns string, constLabels prometheus.Labels, src StatusSource) *connectionCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, "mqtt", name), help, []string{"serial"}, constLabels)
	}
	return &connectionCollector{
		src:         src,
		connected:   desc("connected", "1 if the broker session is up"),
		connections: desc("connections_total", "Successful connect and subscribe cycles"),
		reconnects:  desc("reconnects_total", "Reconnect attempts scheduled after a failure"),
		messages:    desc("messages_received_total", "Messages received on the device topics"),
		decodeErrs:  desc("decode_errors_total", "Messages dropped because they could not be decoded"),
		lastMessage: desc("last_message_timestamp_seconds", "Unix time of the last received message"),
	}
}

func (c *connectionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.connections
	ch <- c.reconnects
	ch <- c.messages
	ch <- c.decodeErrs
	ch <- c.lastMessage
}

func (c *connectionCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Status()
	serial := c.src.Serial()
	connected := 0.0
	if st.Connected {
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, serial)
	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(st.ConnectionCount), serial)
	ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(st.ReconnectCount), serial)
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(st.MessagesReceived), serial)
	ch <- prometheus.MustNewConstMetric(c.decodeErrs, prometheus.CounterValue, float64(st.DecodeErrors), serial)
	if !st.LastMessage.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastMessage, prometheus.GaugeValue, float64(st.LastMessage.UnixNano())/1e9, serial)
	}
}

package device

import (
	"context"
	"sync"

	"github.com/XANi/azen2prom/azen"
	"github.com/XANi/azen2prom/queue"
	"github.com/XANi/azen2prom/registry"
	"go.uber.org/zap"
)

type Config struct {
	Serial string
	// Queue settings; Serial and Handlers are filled in by the device.
	Queue queue.Config
	// Registry settings; Serial and Logger are filled in by the device.
	Registry registry.Config
	Logger   *zap.SugaredLogger
}

// Device is the per-device session: one queue feeding one registry.
type Device struct {
	serial   string
	log      *zap.SugaredLogger
	registry *registry.Registry
	queue    *queue.Queue

	sync.Mutex
	connListeners []func(connected bool)
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func New(cfg Config) (*Device, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if err := azen.ValidateSerial(cfg.Serial); err != nil {
		return nil, err
	}
	d := &Device{
		serial: cfg.Serial,
		log:    cfg.Logger,
	}
	rc := cfg.Registry
	rc.Serial = cfg.Serial
	if rc.Logger == nil {
		rc.Logger = cfg.Logger.Named("registry")
	}
	d.registry = registry.New(rc)

	qc := cfg.Queue
	qc.Serial = cfg.Serial
	if qc.Logger == nil {
		qc.Logger = cfg.Logger.Named("mq")
	}
	qc.Handlers = queue.Handlers{
		Discovery:        d.registry.OnDiscovery,
		State:            d.registry.OnState,
		ConnectionChange: d.onConnectionChange,
	}
	q, err := queue.New(qc)
	if err != nil {
		return nil, err
	}
	d.queue = q
	return d, nil
}

func (d *Device) onConnectionChange(connected bool) {
	d.registry.OnConnectionChange(connected)
	d.Lock()
	listeners := d.connListeners
	d.Unlock()
	for _, fn := range listeners {
		fn(connected)
	}
}

// OnConnectionChange registers fn for connection transitions. Register
// before Start.
func (d *Device) OnConnectionChange(fn func(connected bool)) {
	d.Lock()
	d.connListeners = append(d.connListeners, fn)
	d.Unlock()
}

// AddListener registers sensor event callbacks. Register before Start.
func (d *Device) AddListener(l registry.Listener) {
	d.registry.AddListener(l)
}

func (d *Device) Start(ctx context.Context) {
	d.Lock()
	defer d.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.registry.Run(ctx)
	}()
	d.queue.Start(ctx)
	d.log.Infof("started device %s, subscribing to %s and %s", d.serial, d.queue.Topics().Discovery, d.queue.Topics().State)
}

// Stop disconnects from the broker and stops the expiry loop.
func (d *Device) Stop() {
	d.queue.Stop()
	d.Lock()
	cancel := d.cancel
	d.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// Check connects once and reports whether the broker accepted the
// subscriptions.
func (d *Device) Check(ctx context.Context) error {
	return d.queue.Check(ctx)
}

func (d *Device) Serial() string                   { return d.serial }
func (d *Device) Registry() *registry.Registry     { return d.registry }
func (d *Device) Status() queue.Status             { return d.queue.Status() }
func (d *Device) Connection() queue.ConnectionInfo { return d.queue.Connection() }
func (d *Device) Topics() azen.Topics              { return d.queue.Topics() }

func (d *Device) Sensors() []registry.Snapshot {
	return d.registry.Snapshots()
}

func (d *Device) Sensor(uniqueID string) (registry.Snapshot, bool) {
	s, ok := d.registry.Get(uniqueID)
	if !ok {
		return registry.Snapshot{}, false
	}
	return s.Snapshot(), true
}

type SensorSummary struct {
	Count    int                 `json:"count"`
	Entities []registry.Snapshot `json:"entities"`
}

// Diagnostics is a full dump of the device state for troubleshooting.
type Diagnostics struct {
	Connection queue.ConnectionInfo `json:"connection"`
	Topics     azen.Topics          `json:"mqtt_topics"`
	Statistics queue.Status         `json:"mqtt_statistics"`
	Sensors    SensorSummary        `json:"sensors"`
}

func (d *Device) Diagnostics() Diagnostics {
	sensors := d.Sensors()
	return Diagnostics{
		Connection: d.Connection(),
		Topics:     d.Topics(),
		Statistics: d.Status(),
		Sensors: SensorSummary{
			Count:    len(sensors),
			Entities: sensors,
		},
	}
}

package registry

import (
	"context"
	"sync"
	"time"

	"github.com/XANi/azen2prom/azen"
	"go.uber.org/zap"
)

const (
	DefaultExpireAfter = 120 * time.Second
	maxCheckInterval   = 60 * time.Second
)

// Listener callbacks run on the goroutine that caused the event, after all
// registry and sensor locks are released. Any of them may be nil.
type Listener struct {
	SensorAdded         func(s *Sensor)
	SensorUpdated       func(s *Sensor)
	AvailabilityChanged func(s *Sensor, available bool)
}

type Config struct {
	// Serial fills in device name defaults.
	Serial             string
	DefaultExpireAfter time.Duration
	// UnavailableOnDisconnect marks every sensor unavailable as soon as the
	// broker connection drops instead of waiting for each expiry.
	UnavailableOnDisconnect bool
	Listeners               []Listener
	Logger                  *zap.SugaredLogger
	Now                     func() time.Time
}

// Registry holds the sensors of one device keyed by unique id.
type Registry struct {
	cfg       Config
	log       *zap.SugaredLogger
	now       func() time.Time
	listeners []Listener
	// wakes Run when a sensor is added
	added chan struct{}

	sync.RWMutex
	sensors map[string]*Sensor
	order   []*Sensor
	byTopic map[string]*Sensor
}

func New(cfg Config) *Registry {
	if cfg.DefaultExpireAfter == 0 {
		cfg.DefaultExpireAfter = DefaultExpireAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		cfg:       cfg,
		log:       cfg.Logger,
		now:       cfg.Now,
		listeners: cfg.Listeners,
		added:     make(chan struct{}, 1),
		sensors:   map[string]*Sensor{},
		byTopic:   map[string]*Sensor{},
	}
}

// AddListener registers l for future events. Must be called before events
// start flowing.
func (r *Registry) AddListener(l Listener) {
	r.Lock()
	r.listeners = append(r.listeners, l)
	r.Unlock()
}

// OnDiscovery creates a sensor for a newly seen unique id. Repeated discovery
// of a known id is ignored, the first record wins.
func (r *Registry) OnDiscovery(d azen.Discovery) {
	if d.UniqueID == "" {
		r.log.Warnf("discovery without unique_id ignored: %+v", d)
		return
	}
	r.Lock()
	if _, ok := r.sensors[d.UniqueID]; ok {
		r.Unlock()
		r.log.Debugf("sensor %s already exists, skipping", d.UniqueID)
		return
	}
	s := newSensor(d, r.cfg.Serial, r.cfg.DefaultExpireAfter)
	r.sensors[d.UniqueID] = s
	r.order = append(r.order, s)
	if s.StateTopic() != "" {
		if _, ok := r.byTopic[s.StateTopic()]; !ok {
			r.byTopic[s.StateTopic()] = s
		}
	}
	listeners := r.listeners
	r.Unlock()
	select {
	case r.added <- struct{}{}:
	default:
	}
	if !d.DeviceClass.Known() && d.DeviceClass != "" {
		r.log.Debugf("sensor %s has unknown device class %q", d.UniqueID, d.DeviceClass)
	}
	r.log.Infof("created sensor %s [%s] on %s", d.UniqueID, s.Name(), s.StateTopic())
	for _, l := range listeners {
		if l.SensorAdded != nil {
			l.SensorAdded(s)
		}
	}
}

// OnState stores a value for the sensor whose state topic matches.
func (r *Registry) OnState(topic string, value float64) {
	r.RLock()
	s, ok := r.byTopic[topic]
	listeners := r.listeners
	r.RUnlock()
	if !ok {
		r.log.Debugf("no sensor found for state topic %s", topic)
		return
	}
	becameAvailable := s.update(value, r.now())
	for _, l := range listeners {
		if l.SensorUpdated != nil {
			l.SensorUpdated(s)
		}
		if becameAvailable && l.AvailabilityChanged != nil {
			l.AvailabilityChanged(s, true)
		}
	}
}

// CheckExpiry marks sensors unavailable when they have not been updated for
// longer than their expiry. Returns the sensors that flipped.
func (r *Registry) CheckExpiry(now time.Time) []*Sensor {
	sensors, listeners := r.snapshot()
	var expired []*Sensor
	for _, s := range sensors {
		if s.expire(now) {
			r.log.Debugf("sensor %s became unavailable (no update for %s)", s.UniqueID(), s.ExpireAfter())
			expired = append(expired, s)
		}
	}
	r.notifyUnavailable(expired, listeners)
	return expired
}

// OnConnectionChange is hooked to the queue's connection callback.
func (r *Registry) OnConnectionChange(connected bool) {
	if connected || !r.cfg.UnavailableOnDisconnect {
		return
	}
	sensors, listeners := r.snapshot()
	var flipped []*Sensor
	for _, s := range sensors {
		if s.markUnavailable() {
			flipped = append(flipped, s)
		}
	}
	if len(flipped) > 0 {
		r.log.Infof("connection lost, marked %d sensors unavailable", len(flipped))
	}
	r.notifyUnavailable(flipped, listeners)
}

func (r *Registry) notifyUnavailable(sensors []*Sensor, listeners []Listener) {
	for _, s := range sensors {
		for _, l := range listeners {
			if l.AvailabilityChanged != nil {
				l.AvailabilityChanged(s, false)
			}
		}
	}
}

func (r *Registry) snapshot() ([]*Sensor, []Listener) {
	r.RLock()
	defer r.RUnlock()
	sensors := make([]*Sensor, len(r.order))
	copy(sensors, r.order)
	return sensors, r.listeners
}

// CheckInterval is how often Run checks expiry: half the shortest expiry,
// at most a minute.
func (r *Registry) CheckInterval() time.Duration {
	sensors, _ := r.snapshot()
	shortest := time.Duration(0)
	for _, s := range sensors {
		if e := s.ExpireAfter(); e > 0 && (shortest == 0 || e < shortest) {
			shortest = e
		}
	}
	if shortest == 0 {
		shortest = r.cfg.DefaultExpireAfter
	}
	interval := shortest / 2
	if interval > maxCheckInterval || interval <= 0 {
		interval = maxCheckInterval
	}
	return interval
}

// Run checks expiry until ctx is cancelled. A newly discovered sensor with a
// shorter expiry brings the next check forward.
func (r *Registry) Run(ctx context.Context) {
	interval := r.CheckInterval()
	next := time.Now().Add(interval)
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.added:
			interval = r.CheckInterval()
			if due := time.Now().Add(interval); due.Before(next) {
				next = due
				timer.Reset(interval)
			}
		case <-timer.C:
			r.CheckExpiry(r.now())
			interval = r.CheckInterval()
			next = time.Now().Add(interval)
			timer.Reset(interval)
		}
	}
}

func (r *Registry) Get(uniqueID string) (*Sensor, bool) {
	r.RLock()
	defer r.RUnlock()
	s, ok := r.sensors[uniqueID]
	return s, ok
}

// Sensors returns all sensors in discovery order.
func (r *Registry) Sensors() []*Sensor {
	sensors, _ := r.snapshot()
	return sensors
}

func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sensors)
}

func (r *Registry) Snapshots() []Snapshot {
	sensors := r.Sensors()
	out := make([]Snapshot, 0, len(sensors))
	for _, s := range sensors {
		out = append(out, s.Snapshot())
	}
	return out
}

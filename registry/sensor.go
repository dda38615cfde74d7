package registry

import (
	"sync"
	"time"

	"github.com/XANi/azen2prom/azen"
)

const (
	DefaultSensorName   = "Unknown Sensor"
	DefaultManufacturer = "Azimut"
	DefaultModel        = "Azen Energy System"
)

// Sensor is one discovered entity. Discovery metadata never changes after
// creation; value, availability and last update are guarded by mu.
type Sensor struct {
	discovery   azen.Discovery
	device      azen.Device
	expireAfter time.Duration

	mu         sync.RWMutex
	value      float64
	hasValue   bool
	available  bool
	lastUpdate time.Time
}

func newSensor(d azen.Discovery, serial string, defaultExpire time.Duration) *Sensor {
	if d.Name == "" {
		d.Name = DefaultSensorName
	}
	dev := azen.Device{
		Name:         "Azen " + serial,
		Manufacturer: DefaultManufacturer,
		Model:        DefaultModel,
	}
	if d.Device != nil {
		dev.Identifiers = d.Device.Identifiers
		dev.SWVersion = d.Device.SWVersion
		if d.Device.Name != "" {
			dev.Name = d.Device.Name
		}
		if d.Device.Manufacturer != "" {
			dev.Manufacturer = d.Device.Manufacturer
		}
		if d.Device.Model != "" {
			dev.Model = d.Device.Model
		}
	}
	return &Sensor{
		discovery:   d,
		device:      dev,
		expireAfter: d.ExpireAfterOr(defaultExpire),
	}
}

func (s *Sensor) UniqueID() string              { return s.discovery.UniqueID }
func (s *Sensor) Name() string                  { return s.discovery.Name }
func (s *Sensor) StateTopic() string            { return s.discovery.StateTopic }
func (s *Sensor) Unit() string                  { return s.discovery.Unit }
func (s *Sensor) DeviceClass() azen.DeviceClass { return s.discovery.DeviceClass }
func (s *Sensor) StateClass() azen.StateClass   { return s.discovery.StateClass }
func (s *Sensor) Device() azen.Device           { return s.device }

// ExpireAfter is the idle period after which the sensor turns unavailable.
// Zero means never.
func (s *Sensor) ExpireAfter() time.Duration { return s.expireAfter }

// Discovery returns the record the sensor was created from.
func (s *Sensor) Discovery() azen.Discovery { return s.discovery }

// Value returns the last value and whether one was ever received.
func (s *Sensor) Value() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.hasValue
}

func (s *Sensor) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

func (s *Sensor) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// update stores a value and reports whether availability flipped.
func (s *Sensor) update(v float64, now time.Time) (becameAvailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	s.hasValue = true
	s.lastUpdate = now
	becameAvailable = !s.available
	s.available = true
	return becameAvailable
}

func (s *Sensor) expire(now time.Time) bool {
	if s.expireAfter <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available || s.lastUpdate.IsZero() {
		return false
	}
	if now.Sub(s.lastUpdate) <= s.expireAfter {
		return false
	}
	s.available = false
	return true
}

func (s *Sensor) markUnavailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return false
	}
	s.available = false
	return true
}

// Snapshot is a consistent copy of a sensor for hosts that render it.
type Snapshot struct {
	UniqueID       string              `json:"unique_id"`
	Name           string              `json:"name"`
	StateTopic     string              `json:"state_topic"`
	Unit           string              `json:"unit_of_measurement,omitempty"`
	DeviceClass    azen.DeviceClass    `json:"device_class,omitempty"`
	StateClass     azen.StateClass     `json:"state_class,omitempty"`
	Icon           string              `json:"icon,omitempty"`
	EntityCategory azen.EntityCategory `json:"entity_category,omitempty"`
	ExpireAfter    float64             `json:"expire_after"`
	Device         azen.Device         `json:"device"`
	Value          *float64            `json:"value"`
	Available      bool                `json:"available"`
	LastUpdate     *time.Time          `json:"last_update"`
}

func (s *Sensor) Snapshot() Snapshot {
	snap := Snapshot{
		UniqueID:       s.discovery.UniqueID,
		Name:           s.discovery.Name,
		StateTopic:     s.discovery.StateTopic,
		Unit:           s.discovery.Unit,
		DeviceClass:    s.discovery.DeviceClass,
		StateClass:     s.discovery.StateClass,
		Icon:           s.discovery.Icon,
		EntityCategory: s.discovery.EntityCategory,
		ExpireAfter:    s.expireAfter.Seconds(),
		Device:         s.device,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.hasValue {
		v := s.value
		snap.Value = &v
	}
	snap.Available = s.available
	if !s.lastUpdate.IsZero() {
		t := s.lastUpdate
		snap.LastUpdate = &t
	}
	return snap
}

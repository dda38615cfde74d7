package azen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

type DeviceClass string

// https://www.home-assistant.io/integrations/sensor/#device-class
var (
	DeviceClassPower       DeviceClass = "power"
	DeviceClassEnergy      DeviceClass = "energy"
	DeviceClassVoltage     DeviceClass = "voltage"
	DeviceClassBattery     DeviceClass = "battery"
	DeviceClassCurrent     DeviceClass = "current"
	DeviceClassTemperature DeviceClass = "temperature"
)

// Known reports whether the class is one the device is documented to send.
func (d DeviceClass) Known() bool {
	switch d {
	case DeviceClassPower, DeviceClassEnergy, DeviceClassVoltage,
		DeviceClassBattery, DeviceClassCurrent, DeviceClassTemperature:
		return true
	}
	return false
}

type StateClass string

// https://developers.home-assistant.io/docs/core/entity/sensor/#available-state-classes
var (
	StateClassMeasurement     StateClass = "measurement"
	StateClassTotalIncreasing StateClass = "total_increasing"
	StateClassTotal           StateClass = "total"
)

func (s StateClass) Known() bool {
	switch s {
	case StateClassMeasurement, StateClassTotalIncreasing, StateClassTotal:
		return true
	}
	return false
}

type EntityCategory string

var (
	EntityCategoryDiagnostic EntityCategory = "diagnostic"
	EntityCategoryConfig     EntityCategory = "config"
)

// Discovery is a decoded discovery-topic payload. Immutable once decoded.
type Discovery struct {
	UniqueID       string         `json:"unique_id"`
	Name           string         `json:"name"`
	StateTopic     string         `json:"state_topic"`
	Unit           string         `json:"unit_of_measurement,omitempty"`
	DeviceClass    DeviceClass    `json:"device_class,omitempty"`
	StateClass     StateClass     `json:"state_class,omitempty"`
	Icon           string         `json:"icon,omitempty"`
	EntityCategory EntityCategory `json:"entity_category,omitempty"`
	// ExpireAfter is nil when the payload did not carry expire_after.
	ExpireAfter *time.Duration `json:"-"`
	Device      *Device        `json:"device,omitempty"`
}

// ExpireAfterOr returns the record's expiry, or def when none was sent.
func (d Discovery) ExpireAfterOr(def time.Duration) time.Duration {
	if d.ExpireAfter == nil {
		return def
	}
	return *d.ExpireAfter
}

type Device struct {
	Identifiers  Identifiers `json:"identifiers,omitempty"`
	Name         string      `json:"name,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
}

// Identifiers accepts both a single string and a list. Non-string list
// elements are kept in their JSON form.
type Identifiers []string

func (i *Identifiers) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		*i = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*i = Identifiers{single}
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("identifiers: %w", err)
	}
	ids := make(Identifiers, 0, len(list))
	for _, raw := range list {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			ids = append(ids, s)
		} else {
			ids = append(ids, string(raw))
		}
	}
	*i = ids
	return nil
}

// rawDiscovery carries both long and abbreviated discovery keys.
type rawDiscovery struct {
	UniqueID          string     `json:"unique_id"`
	UniqID            string     `json:"uniq_id"`
	Name              string     `json:"name"`
	StateTopic        string     `json:"state_topic"`
	StatT             string     `json:"stat_t"`
	UnitOfMeasurement string     `json:"unit_of_measurement"`
	UnitOfMeas        string     `json:"unit_of_meas"`
	DeviceClass       string     `json:"device_class"`
	DevCla            string     `json:"dev_cla"`
	StateClass        string     `json:"state_class"`
	StatCla           string     `json:"stat_cla"`
	Icon              string     `json:"icon"`
	Ic                string     `json:"ic"`
	EntityCategory    string     `json:"entity_category"`
	EntCat            string     `json:"ent_cat"`
	ExpireAfter       *float64   `json:"expire_after"`
	ExpAfter          *float64   `json:"exp_after"`
	Device            *rawDevice `json:"device"`
	Dev               *rawDevice `json:"dev"`
}

type rawDevice struct {
	Identifiers  Identifiers `json:"identifiers"`
	IDs          Identifiers `json:"ids"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Mf           string      `json:"mf"`
	Model        string      `json:"model"`
	Mdl          string      `json:"mdl"`
	SWVersion    string      `json:"sw_version"`
	Sw           string      `json:"sw"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (r *rawDiscovery) normalize() (Discovery, error) {
	d := Discovery{
		UniqueID:       firstNonEmpty(r.UniqueID, r.UniqID),
		Name:           r.Name,
		StateTopic:     firstNonEmpty(r.StateTopic, r.StatT),
		Unit:           firstNonEmpty(r.UnitOfMeasurement, r.UnitOfMeas),
		DeviceClass:    DeviceClass(firstNonEmpty(r.DeviceClass, r.DevCla)),
		StateClass:     StateClass(firstNonEmpty(r.StateClass, r.StatCla)),
		Icon:           firstNonEmpty(r.Icon, r.Ic),
		EntityCategory: EntityCategory(firstNonEmpty(r.EntityCategory, r.EntCat)),
	}
	exp := r.ExpireAfter
	if exp == nil {
		exp = r.ExpAfter
	}
	if exp != nil {
		if math.IsNaN(*exp) || math.IsInf(*exp, 0) {
			return d, fmt.Errorf("expire_after: %v is not a finite number", *exp)
		}
		secs := *exp
		if secs < 0 {
			secs = 0
		}
		e := time.Duration(secs * float64(time.Second))
		d.ExpireAfter = &e
	}
	dev := r.Device
	if dev == nil {
		dev = r.Dev
	}
	if dev != nil {
		ids := dev.Identifiers
		if len(ids) == 0 {
			ids = dev.IDs
		}
		d.Device = &Device{
			Identifiers:  ids,
			Name:         dev.Name,
			Manufacturer: firstNonEmpty(dev.Manufacturer, dev.Mf),
			Model:        firstNonEmpty(dev.Model, dev.Mdl),
			SWVersion:    firstNonEmpty(dev.SWVersion, dev.Sw),
		}
	}
	return d, nil
}

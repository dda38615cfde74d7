package metrics

import (
	"strings"

	"github.com/XANi/azen2prom/azen"
)

type conversion func(float64) float64

func identity(v float64) float64 { return v }

func scale(f float64) conversion {
	return func(v float64) float64 { return v * f }
}

// classMetric is the base-unit gauge a device class is exported as.
type classMetric struct {
	name  string
	help  string
	units map[string]conversion
}

var classMetrics = map[azen.DeviceClass]classMetric{
	azen.DeviceClassPower: {
		name: "power_watts",
		help: "Power in watts",
		units: map[string]conversion{
			"W":  identity,
			"mW": scale(1e-3),
			"kW": scale(1e3),
			"MW": scale(1e6),
			"GW": scale(1e9),
		},
	},
	azen.DeviceClassEnergy: {
		name: "energy_watt_hours",
		help: "Energy in watt-hours",
		units: map[string]conversion{
			"Wh":  identity,
			"kWh": scale(1e3),
			"MWh": scale(1e6),
			"GWh": scale(1e9),
		},
	},
	azen.DeviceClassVoltage: {
		name: "voltage_volts",
		help: "Voltage in volts",
		units: map[string]conversion{
			"V":  identity,
			"mV": scale(1e-3),
			"uV": scale(1e-6),
			"µV": scale(1e-6),
			"μV": scale(1e-6),
			"kV": scale(1e3),
		},
	},
	azen.DeviceClassCurrent: {
		name: "current_amperes",
		help: "Current in amperes",
		units: map[string]conversion{
			"A":  identity,
			"mA": scale(1e-3),
			"uA": scale(1e-6),
			"µA": scale(1e-6),
			"μA": scale(1e-6),
			"kA": scale(1e3),
		},
	},
	azen.DeviceClassBattery: {
		name: "battery_percent",
		help: "Battery state of charge in percent",
		units: map[string]conversion{
			"%": identity,
		},
	},
	azen.DeviceClassTemperature: {
		name: "temperature_celsius",
		help: "Temperature in degrees Celsius",
		units: map[string]conversion{
			"°C": identity,
			"C":  identity,
			"K":  func(k float64) float64 { return k - 273.15 },
			"°F": fahrenheit,
			"F":  fahrenheit,
		},
	},
}

func fahrenheit(f float64) float64 {
	return (f - 32.0) * (5.0 / 9.0)
}

// baseUnit returns the gauge and conversion for a class/unit pair. An empty
// unit is taken to already be the base unit.
func baseUnit(class azen.DeviceClass, unit string) (classMetric, conversion, bool) {
	m, ok := classMetrics[class]
	if !ok {
		return classMetric{}, nil, false
	}
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return m, identity, true
	}
	if conv, ok := m.units[unit]; ok {
		return m, conv, true
	}
	// device firmware is not consistent about unit case
	for u, conv := range m.units {
		if strings.EqualFold(u, unit) && !ambiguous(unit) {
			return m, conv, true
		}
	}
	return m, nil, false
}

// ambiguous units differ only by case between milli and mega.
func ambiguous(unit string) bool {
	switch strings.ToLower(unit) {
	case "mw", "mwh":
		return true
	}
	return false
}

package azen

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	DiscoveryRoot   = "homeassistant/sensor"
	DevicePrefix    = "azen"
	StateRoot       = "azen"
	topicSeparator  = "/"
	singleLevelWild = "+"
	multiLevelWild  = "#"
)

var ErrInvalidSerial = errors.New("invalid serial")

type Kind int

const (
	KindUnhandled Kind = iota
	KindDiscovery
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindState:
		return "state"
	default:
		return "unhandled"
	}
}

// Topics holds the two subscription filters for a device.
type Topics struct {
	Discovery string `json:"discovery"`
	State     string `json:"state"`
}

// Matcher classifies incoming topics for exactly one device serial.
// It is immutable after construction and safe for concurrent use.
type Matcher struct {
	serial    string
	topics    Topics
	discovery *regexp.Regexp
	state     *regexp.Regexp
}

// NewMatcher builds the discovery and state matchers for serial. The serial is
// matched literally; it must be non-empty and must not contain MQTT separators
// or wildcards, otherwise the subscription filters would cover other devices.
func NewMatcher(serial string) (*Matcher, error) {
	if err := ValidateSerial(serial); err != nil {
		return nil, err
	}
	quoted := regexp.QuoteMeta(serial)
	return &Matcher{
		serial: serial,
		topics: Topics{
			Discovery: DiscoveryTopic(serial),
			State:     StateTopic(serial),
		},
		discovery: regexp.MustCompile(
			"^" + regexp.QuoteMeta(DiscoveryRoot+"/"+DevicePrefix+"_") + quoted + `/([^/]+)/config$`,
		),
		state: regexp.MustCompile(
			"^" + regexp.QuoteMeta(StateRoot+"/") + quoted + `/sensor/([^/]+)/state$`,
		),
	}, nil
}

func ValidateSerial(serial string) error {
	if serial == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSerial)
	}
	if strings.ContainsAny(serial, topicSeparator+singleLevelWild+multiLevelWild) {
		return fmt.Errorf("%w: %q contains topic separator or wildcard", ErrInvalidSerial, serial)
	}
	return nil
}

// DiscoveryTopic returns the discovery subscription filter for serial.
func DiscoveryTopic(serial string) string {
	return DiscoveryRoot + "/" + DevicePrefix + "_" + serial + "/" + singleLevelWild + "/config"
}

// StateTopic returns the state subscription filter for serial.
func StateTopic(serial string) string {
	return StateRoot + "/" + serial + "/sensor/" + singleLevelWild + "/state"
}

// SensorStateTopic returns the concrete state topic of one sensor.
func SensorStateTopic(serial, sensorID string) string {
	return StateRoot + "/" + serial + "/sensor/" + sensorID + "/state"
}

func (m *Matcher) Serial() string {
	return m.serial
}

func (m *Matcher) Topics() Topics {
	return m.topics
}

// Classify reports what kind of message a topic carries, and the sensor id
// taken from its wildcard segment.
func (m *Matcher) Classify(topic string) (Kind, string) {
	if match := m.discovery.FindStringSubmatch(topic); match != nil {
		return KindDiscovery, match[1]
	}
	if match := m.state.FindStringSubmatch(topic); match != nil {
		return KindState, match[1]
	}
	return KindUnhandled, ""
}

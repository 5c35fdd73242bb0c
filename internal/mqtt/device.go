package mqtt

import (
	"context"
	"encoding/json"

	"github.com/nugget/brunnen/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery payloads so HA groups the sensors under one
// device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message, published retained on every broker connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable device name. The instance ID is the stable
// identifier; the name only appears in the HA UI.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Brunnen",
		Model:        "4-20 mA well level monitor",
		SWVersion:    buildinfo.Version,
	}
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (c *Client) discoveryTopic(entity string) string {
	return c.cfg.DiscoveryPrefix + "/sensor/" + c.cfg.DeviceName + "/" + entity + "/config"
}

func (c *Client) sensorDefinitions() []sensorDef {
	avail := c.topics.Availability
	def := func(entity, name, state string) SensorConfig {
		return SensorConfig{
			Name:              name,
			UniqueID:          c.instanceID + "_" + entity,
			StateTopic:        state,
			AvailabilityTopic: avail,
			Device:            c.device,
		}
	}

	level := def("water_level", "Water Level", c.topics.WaterLevel)
	level.Icon = "mdi:waves-arrow-up"
	level.DeviceClass = "distance"
	level.UnitOfMeasurement = "m"
	level.StateClass = "measurement"

	raw := def("raw_level", "Raw Reading", c.topics.RawLevel)
	raw.Icon = "mdi:sine-wave"
	raw.StateClass = "measurement"
	raw.EntityCategory = "diagnostic"

	current := def("loop_current", "Loop Current", c.topics.Current)
	current.DeviceClass = "current"
	current.UnitOfMeasurement = "A"
	current.StateClass = "measurement"
	current.EntityCategory = "diagnostic"

	voltage := def("shunt_voltage", "Shunt Voltage", c.topics.Voltage)
	voltage.DeviceClass = "voltage"
	voltage.UnitOfMeasurement = "V"
	voltage.StateClass = "measurement"
	voltage.EntityCategory = "diagnostic"

	return []sensorDef{
		{"water_level", level},
		{"raw_level", raw},
		{"loop_current", current},
		{"shunt_voltage", voltage},
	}
}

// publishDiscoveryLocked publishes retained discovery configs. It is a
// no-op without a discovery prefix. Must be called with c.mu held.
func (c *Client) publishDiscoveryLocked(ctx context.Context) {
	if c.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range c.sensorDefinitions() {
		payload, err := json.Marshal(s.config)
		if err != nil {
			c.logger.Error("mqtt marshal discovery payload",
				"entity", s.entity, "error", err)
			continue
		}
		topic := c.discoveryTopic(s.entity)
		if err := c.publishLocked(ctx, topic, string(payload), true); err != nil {
			c.logger.Warn("mqtt discovery publish failed",
				"entity", s.entity, "topic", topic, "error", err)
		} else {
			c.logger.Debug("mqtt discovery published",
				"entity", s.entity, "topic", topic)
		}
	}
}

package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for ACS traffic. Every topic the service publishes or
// subscribes to lives under TopicPrefix.
const (
	// TopicPrefix is the base for all ACS topics.
	TopicPrefix = "graylogic/acs"

	// TopicPrefixDevice is the base for per-device events.
	TopicPrefixDevice = TopicPrefix + "/device"

	// TopicPrefixTask is the base for task ingestion.
	TopicPrefixTask = TopicPrefix + "/task"
)

// Topics provides builders for ACS MQTT topics.
//
//	topic := mqtt.Topics{}.DeviceSession("001122-Router-SN1")
//	// Returns: "graylogic/acs/device/001122-Router-SN1/session"
type Topics struct{}

// Status returns the retained online/offline topic (also the LWT topic).
//
// Example: graylogic/acs/status
func (Topics) Status() string {
	return TopicPrefix + "/status"
}

// DeviceSession returns the topic for session-ended events.
//
// Example: graylogic/acs/device/001122-Router-SN1/session
func (Topics) DeviceSession(deviceID string) string {
	return fmt.Sprintf("%s/%s/session", TopicPrefixDevice, deviceID)
}

// DeviceFault returns the topic for faults recorded against a device.
//
// Example: graylogic/acs/device/001122-Router-SN1/fault
func (Topics) DeviceFault(deviceID string) string {
	return fmt.Sprintf("%s/%s/fault", TopicPrefixDevice, deviceID)
}

// DeviceRegistered returns the topic announcing a first Inform.
//
// Example: graylogic/acs/device/001122-Router-SN1/registered
func (Topics) DeviceRegistered(deviceID string) string {
	return fmt.Sprintf("%s/%s/registered", TopicPrefixDevice, deviceID)
}

// Task returns the topic on which tasks for a device are submitted.
//
// Example: graylogic/acs/task/001122-Router-SN1
func (Topics) Task(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixTask, deviceID)
}

// AllTasks matches task submissions for every device.
//
// Pattern: graylogic/acs/task/+
func (Topics) AllTasks() string {
	return TopicPrefixTask + "/+"
}

// AllDeviceEvents matches every per-device event.
//
// Pattern: graylogic/acs/device/+/+
func (Topics) AllDeviceEvents() string {
	return TopicPrefixDevice + "/+/+"
}

// TaskDeviceID extracts the device ID from a task topic. It returns
// false for topics outside the task hierarchy.
func (Topics) TaskDeviceID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, TopicPrefixTask+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

package device

import (
	"slices"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/devicedata"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
)

// Device is the identity summary of a CPE, derived from its parameter
// tree on every save.
type Device struct {
	// ID is "<OUI>-<ProductClass>-<SerialNumber>" as built from the Inform.
	ID string `json:"id"`

	Manufacturer string `json:"manufacturer"`
	OUI          string `json:"oui"`
	ProductClass string `json:"product_class"`
	SerialNumber string `json:"serial_number"`

	// RegisteredAt and LastInform come from Events.Registered and
	// Events.Inform.
	RegisteredAt time.Time `json:"registered_at"`
	LastInform   time.Time `json:"last_inform"`

	// Tags are the Tags.* parameters currently set to true.
	Tags []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Tags = slices.Clone(d.Tags)
	return &cpy
}

// Parameter is one stored path of a device's parameter tree.
type Parameter struct {
	Path       string                 `json:"path"`
	Timestamp  int64                  `json:"timestamp"`
	Attributes *devicedata.Attributes `json:"attributes,omitempty"`
}

// Fault is a stored session fault. Faults are keyed by device and
// channel; a later fault on the same channel replaces the earlier one and
// bumps Retries.
type Fault struct {
	ID         string              `json:"id"`
	DeviceID   string              `json:"device_id"`
	Channel    string              `json:"channel"`
	Code       string              `json:"code"`
	Message    string              `json:"message"`
	Detail     any                 `json:"detail,omitempty"`
	Timestamp  int64               `json:"timestamp"`
	Retries    int                 `json:"retries"`
	Provisions []session.Provision `json:"provisions"`
}

// FaultID builds the key of a fault.
func FaultID(deviceID, channel string) string {
	return deviceID + ":" + channel
}

// OperationID builds the key of an operation.
func OperationID(deviceID, commandKey string) string {
	return deviceID + ":" + commandKey
}

// TaskName identifies what a task asks the device to do.
type TaskName string

// Task names.
const (
	TaskGetParameterValues TaskName = "getParameterValues"
	TaskSetParameterValues TaskName = "setParameterValues"
	TaskRefreshObject      TaskName = "refreshObject"
	TaskAddObject          TaskName = "addObject"
	TaskDeleteObject       TaskName = "deleteObject"
	TaskReboot             TaskName = "reboot"
	TaskFactoryReset       TaskName = "factoryReset"
	TaskDownload           TaskName = "download"
	TaskAddTag             TaskName = "addTag"
	TaskRemoveTag          TaskName = "removeTag"
)

// TaskArgs carries the arguments of every task name; each name uses a
// subset.
type TaskArgs struct {
	ParameterNames []string `json:"parameterNames,omitempty"`
	// ParameterValues holds [name, value] or [name, value, type] triples.
	ParameterValues [][]any `json:"parameterValues,omitempty"`
	ObjectName      string  `json:"objectName,omitempty"`
	FileType        string  `json:"fileType,omitempty"`
	FileName        string  `json:"fileName,omitempty"`
	TargetFileName  string  `json:"targetFileName,omitempty"`
	Tag             string  `json:"tag,omitempty"`
}

// Task is a queued management request for one device. It is converted
// into provisions on channel "task_<id>" at the device's next session.
type Task struct {
	ID        string   `json:"id"`
	DeviceID  string   `json:"device_id"`
	Name      TaskName `json:"name"`
	Args      TaskArgs `json:"args"`
	Timestamp int64    `json:"timestamp"`
	// Expiry drops the task unattempted after this time (Unix ms).
	Expiry *int64 `json:"expiry,omitempty"`
}

// Channel returns the provision channel the task runs on.
func (t *Task) Channel() string {
	return TaskChannelPrefix + t.ID
}

// TaskChannelPrefix prefixes the channel of every task.
const TaskChannelPrefix = "task_"

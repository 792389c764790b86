package acs

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
	"github.com/nerrad567/gray-logic-acs/internal/device"
)

func TestTaskProvisions(t *testing.T) {
	tests := []struct {
		name string
		task device.Task
		want []session.Provision
	}{
		{
			name: "getParameterValues",
			task: device.Task{Name: device.TaskGetParameterValues, Args: device.TaskArgs{ParameterNames: []string{"Device.A", "Device.B"}}},
			want: []session.Provision{{Name: "refresh", Args: []any{"Device.A"}}, {Name: "refresh", Args: []any{"Device.B"}}},
		},
		{
			name: "refreshObject trims dot",
			task: device.Task{Name: device.TaskRefreshObject, Args: device.TaskArgs{ObjectName: "Device.WiFi."}},
			want: []session.Provision{{Name: "refresh", Args: []any{"Device.WiFi"}}},
		},
		{
			name: "setParameterValues drops type",
			task: device.Task{Name: device.TaskSetParameterValues, Args: device.TaskArgs{ParameterValues: [][]any{{"Device.X", 5, "xsd:int"}}}},
			want: []session.Provision{{Name: "value", Args: []any{"Device.X", 5}}},
		},
		{
			name: "addObject",
			task: device.Task{Name: device.TaskAddObject, Args: device.TaskArgs{ObjectName: "Device.NAT.PortMapping."}},
			want: []session.Provision{{Name: "instances", Args: []any{"Device.NAT.PortMapping.*", "+1"}}},
		},
		{
			name: "deleteObject",
			task: device.Task{Name: device.TaskDeleteObject, Args: device.TaskArgs{ObjectName: "Device.NAT.PortMapping.3."}},
			want: []session.Provision{{Name: "instances", Args: []any{"Device.NAT.PortMapping.3", 0}}},
		},
		{
			name: "reboot",
			task: device.Task{Name: device.TaskReboot},
			want: []session.Provision{{Name: "reboot"}},
		},
		{
			name: "factoryReset",
			task: device.Task{Name: device.TaskFactoryReset},
			want: []session.Provision{{Name: "reset"}},
		},
		{
			name: "download without target",
			task: device.Task{Name: device.TaskDownload, Args: device.TaskArgs{FileType: "1 Firmware Upgrade Image", FileName: "fw.bin"}},
			want: []session.Provision{{Name: "download", Args: []any{"1 Firmware Upgrade Image", "fw.bin"}}},
		},
		{
			name: "download with target",
			task: device.Task{Name: device.TaskDownload, Args: device.TaskArgs{FileType: "3 Vendor Configuration File", FileName: "c.xml", TargetFileName: "config.xml"}},
			want: []session.Provision{{Name: "download", Args: []any{"3 Vendor Configuration File", "c.xml", "config.xml"}}},
		},
		{
			name: "addTag",
			task: device.Task{Name: device.TaskAddTag, Args: device.TaskArgs{Tag: "blue"}},
			want: []session.Provision{{Name: "tag", Args: []any{"blue", true}}},
		},
		{
			name: "removeTag",
			task: device.Task{Name: device.TaskRemoveTag, Args: device.TaskArgs{Tag: "blue"}},
			want: []session.Provision{{Name: "tag", Args: []any{"blue", false}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := taskProvisions(&tt.task)
			if err != nil {
				t.Fatalf("taskProvisions() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("taskProvisions() = %#v, want %#v", got, tt.want)
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := taskProvisions(&device.Task{Name: "launchMissiles"})
		if !errors.Is(err, device.ErrInvalidTask) {
			t.Errorf("taskProvisions() error = %v, want ErrInvalidTask", err)
		}
	})
}

func TestEventsMatch(t *testing.T) {
	events := []string{"1 BOOT", "4 VALUE CHANGE"}
	tests := []struct {
		name string
		want map[string]bool
		ok   bool
	}{
		{"no filter", nil, true},
		{"required present", map[string]bool{"1 BOOT": true}, true},
		{"required missing", map[string]bool{"0 BOOTSTRAP": true}, false},
		{"forbidden absent", map[string]bool{"2 PERIODIC": false}, true},
		{"forbidden present", map[string]bool{"4 VALUE CHANGE": false}, false},
	}
	for _, tt := range tests {
		if got := eventsMatch(tt.want, events); got != tt.ok {
			t.Errorf("%s: eventsMatch() = %v, want %v", tt.name, got, tt.ok)
		}
	}
}

func TestValueEqual(t *testing.T) {
	tests := []struct {
		name      string
		got, want any
		equal     bool
	}{
		{"strings", "router", "router", true},
		{"different strings", "router", "bridge", false},
		{"int64 and yaml int", int64(300), 300, true},
		{"int64 and float", int64(2), 2.0, true},
		{"different numbers", int64(2), 3, false},
		{"bools", true, true, true},
		{"bool against string", true, "true", true},
		{"number against string", int64(7), "7", true},
		{"bool mismatch", false, true, false},
	}
	for _, tt := range tests {
		if got := valueEqual(tt.got, tt.want); got != tt.equal {
			t.Errorf("%s: valueEqual(%v, %v) = %v, want %v", tt.name, tt.got, tt.want, got, tt.equal)
		}
	}
}

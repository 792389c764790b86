package acs

import (
	"errors"
	"testing"
	"time"
)

type fakePublisher struct {
	topics []string
	err    error
}

func (f *fakePublisher) PublishJSON(topic string, _ any) error {
	f.topics = append(f.topics, topic)
	return f.err
}

type countingLogger struct {
	noopLogger
	warnings int
}

func (l *countingLogger) Warn(string, ...any) { l.warnings++ }

func TestMQTTSink_Topics(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewMQTTSink(pub, nil)
	now := time.Now()

	sink.Publish(Event{Type: EventSessionEnded, DeviceID: "d1", Timestamp: now})
	sink.Publish(Event{Type: EventDeviceFault, DeviceID: "d1", Timestamp: now})
	sink.Publish(Event{Type: EventDeviceRegistered, DeviceID: "d1", Timestamp: now})
	sink.Publish(Event{Type: "other", DeviceID: "d1", Timestamp: now})

	want := []string{
		"graylogic/acs/device/d1/session",
		"graylogic/acs/device/d1/fault",
		"graylogic/acs/device/d1/registered",
	}
	if len(pub.topics) != len(want) {
		t.Fatalf("topics = %v, want %v", pub.topics, want)
	}
	for i := range want {
		if pub.topics[i] != want[i] {
			t.Errorf("topics[%d] = %q, want %q", i, pub.topics[i], want[i])
		}
	}
}

func TestMQTTSink_LogsFailures(t *testing.T) {
	logger := &countingLogger{}
	sink := NewMQTTSink(&fakePublisher{err: errors.New("offline")}, logger)
	sink.Publish(Event{Type: EventSessionEnded, DeviceID: "d1"})
	if logger.warnings != 1 {
		t.Errorf("warnings = %d, want 1", logger.warnings)
	}
}

func TestMetrics_Gather(t *testing.T) {
	m := NewMetrics("")
	m.SessionStarted()
	m.SessionEnded(true, 4, 2*time.Second)
	m.SessionEnded(false, 1, time.Second)
	m.FaultRecorded("cwmp.9002")
	m.TaskSubmitted()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"graylogic_acs_session_started_total",
		"graylogic_acs_session_ended_total",
		"graylogic_acs_session_rpcs",
		"graylogic_acs_session_duration_seconds",
		"graylogic_acs_fault_recorded_total",
		"graylogic_acs_task_submitted_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

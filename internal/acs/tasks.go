package acs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-acs/internal/device"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/mqtt"
)

// SubmitTask queues t for the device's next session. The device must
// exist; an empty ID is generated and a zero Timestamp is set to now.
func (s *Service) SubmitTask(ctx context.Context, t *device.Task) error {
	if _, err := s.deps.Registry.GetDevice(ctx, t.DeviceID); err != nil {
		return err
	}
	if t.Timestamp == 0 {
		t.Timestamp = s.now().UnixMilli()
	}
	if err := s.deps.Tasks.Create(ctx, t); err != nil {
		return err
	}
	s.submitted.Add(1)
	if s.deps.Metrics != nil {
		s.deps.Metrics.TaskSubmitted()
	}
	s.logger.Info("task queued", "task_id", t.ID, "device_id", t.DeviceID, "name", t.Name)
	return nil
}

// HandleTaskMessage queues a task received on graylogic/acs/task/{id}.
// The payload is a JSON device.Task; the device ID comes from the topic.
func (s *Service) HandleTaskMessage(topic string, payload []byte) error {
	deviceID, ok := mqtt.Topics{}.TaskDeviceID(topic)
	if !ok {
		return fmt.Errorf("%w: task topic %q", ErrBadMessage, topic)
	}
	var t device.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("%w: decoding task: %w", ErrBadMessage, err)
	}
	t.ID = ""
	t.DeviceID = deviceID

	ctx, cancel := context.WithTimeout(context.Background(), taskIngestTimeout)
	defer cancel()
	return s.SubmitTask(ctx, &t)
}

package acs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/device"
	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/influxdb"
)

// SessionSummary is the payload of a session.ended event.
type SessionSummary struct {
	SessionID string   `json:"session_id"`
	New       bool     `json:"new"`
	Events    []string `json:"events,omitempty"`
	RPCs      int      `json:"rpcs"`
	Cycles    int      `json:"cycles"`
	Duration  int64    `json:"duration_ms"`
	Faulted   []string `json:"faulted_channels,omitempty"`
	Succeeded []string `json:"succeeded_channels,omitempty"`
}

// finish commits the session: device data, operations, faults and task
// outcomes, then publishes its events.
func (x *exchange) finish(ctx context.Context) error {
	deps := x.s.deps
	id := x.st.DeviceID
	end := x.s.now()

	if err := deps.Devices.Save(ctx, id, x.sc.Data); err != nil {
		return fmt.Errorf("saving device %s: %w", id, err)
	}
	if err := deps.Operations.Save(ctx, id, x.sc.Operations, x.sc.OperationsTouched); err != nil {
		return fmt.Errorf("saving operations: %w", err)
	}

	faulted := slices.Sorted(maps.Keys(x.st.Faults))
	for _, ch := range faulted {
		f := x.st.Faults[ch]
		if err := deps.Faults.Save(ctx, f); err != nil {
			return fmt.Errorf("saving fault %s: %w", ch, err)
		}
		x.s.faults.Add(1)
		x.publish(Event{Type: EventDeviceFault, DeviceID: id, Timestamp: end, Data: f})
		if deps.Writer != nil {
			deps.Writer.WriteFaultMetric(influxdb.FaultMetric{
				DeviceID:  id,
				Channel:   ch,
				Code:      f.Code,
				Retries:   f.Retries,
				Timestamp: time.UnixMilli(f.Timestamp),
			})
		}
		if deps.Metrics != nil {
			deps.Metrics.FaultRecorded(f.Code)
		}
	}

	succeeded := slices.Sorted(maps.Keys(x.st.Succeeded))
	for _, ch := range succeeded {
		if err := deps.Faults.Clear(ctx, id, ch); err != nil {
			return fmt.Errorf("clearing fault %s: %w", ch, err)
		}
		taskID, ok := strings.CutPrefix(ch, device.TaskChannelPrefix)
		if !ok {
			continue
		}
		err := deps.Tasks.Delete(ctx, taskID)
		if err != nil && !errors.Is(err, device.ErrTaskNotFound) {
			return fmt.Errorf("deleting task %s: %w", taskID, err)
		}
		x.s.tasksDone.Add(1)
		x.log.Info("task completed", "task_id", taskID)
	}

	if err := deps.Registry.Refresh(ctx, id); err != nil {
		x.log.Warn("failed to refresh device registry", "error", err)
	}
	if err := deps.Sessions.Delete(ctx, x.sc.SessionID); err != nil {
		x.log.Warn("failed to delete session", "error", err)
	}

	duration := end.Sub(time.UnixMilli(x.st.Started))
	summary := SessionSummary{
		SessionID: x.sc.SessionID,
		New:       x.sc.New,
		Events:    x.st.Events,
		RPCs:      x.sc.RPCCount,
		Cycles:    x.sc.Cycle,
		Duration:  duration.Milliseconds(),
		Faulted:   faulted,
		Succeeded: succeeded,
	}
	x.publish(Event{Type: EventSessionEnded, DeviceID: id, Timestamp: end, Data: summary})
	if x.sc.New {
		x.publish(Event{Type: EventDeviceRegistered, DeviceID: id, Timestamp: end})
	}

	if deps.Writer != nil {
		deps.Writer.WriteSessionMetric(influxdb.SessionMetric{
			DeviceID:     id,
			Manufacturer: x.st.Manufacturer,
			ProductClass: x.st.ProductClass,
			New:          x.sc.New,
			RPCs:         x.sc.RPCCount,
			Cycles:       x.sc.Cycle,
			Duration:     duration,
			Faulted:      len(faulted) > 0,
			End:          end,
		})
	}
	if deps.Metrics != nil {
		deps.Metrics.SessionEnded(len(faulted) > 0, x.sc.RPCCount, duration)
	}
	x.s.completed.Add(1)
	if len(faulted) > 0 {
		x.s.faulted.Add(1)
	}

	x.log.Info("session ended",
		"rpcs", x.sc.RPCCount,
		"duration", duration,
		"faulted", faulted,
	)
	return nil
}

func (x *exchange) publish(ev Event) {
	for _, sink := range x.s.deps.Events {
		sink.Publish(ev)
	}
}

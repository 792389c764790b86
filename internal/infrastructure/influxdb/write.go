package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementSession = "cwmp_session"
	measurementFault   = "cwmp_fault"
)

// SessionMetric summarises one finished CPE session.
type SessionMetric struct {
	DeviceID     string
	Manufacturer string
	ProductClass string
	// New is set for a device's first session.
	New      bool
	RPCs     int
	Cycles   int
	Duration time.Duration
	// Faulted is set when any channel faulted during the session.
	Faulted bool
	End     time.Time
}

// FaultMetric records a fault stored against a device channel.
type FaultMetric struct {
	DeviceID  string
	Channel   string
	Code      string
	Retries   int
	Timestamp time.Time
}

// WriteSessionMetric queues a session summary. It is a no-op on a nil
// or closed Client.
func (c *Client) WriteSessionMetric(m SessionMetric) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sessionPoint(m))
}

// WriteFaultMetric queues a fault record. It is a no-op on a nil or
// closed Client.
func (c *Client) WriteFaultMetric(m FaultMetric) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(faultPoint(m))
}

func sessionPoint(m SessionMetric) *write.Point {
	tags := map[string]string{"device_id": m.DeviceID}
	if m.Manufacturer != "" {
		tags["manufacturer"] = m.Manufacturer
	}
	if m.ProductClass != "" {
		tags["product_class"] = m.ProductClass
	}
	return write.NewPoint(
		measurementSession,
		tags,
		map[string]interface{}{
			"rpcs":        int64(m.RPCs),
			"cycles":      int64(m.Cycles),
			"duration_ms": m.Duration.Milliseconds(),
			"faulted":     m.Faulted,
			"new":         m.New,
		},
		m.End,
	)
}

func faultPoint(m FaultMetric) *write.Point {
	return write.NewPoint(
		measurementFault,
		map[string]string{
			"device_id": m.DeviceID,
			"channel":   m.Channel,
			"code":      m.Code,
		},
		map[string]interface{}{
			"retries": int64(m.Retries),
		},
		m.Timestamp,
	)
}

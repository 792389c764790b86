// Package influxdb records ACS session history in InfluxDB.
//
// Each finished session becomes a cwmp_session point tagged by device
// (rpc count, cycles, duration, fault flag) and each stored fault a
// cwmp_fault point. Writes are batched and non-blocking; failures
// surface through SetOnError.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without history
//	}
//	client.WriteSessionMetric(influxdb.SessionMetric{DeviceID: id, RPCs: 4, End: time.Now()})
package influxdb

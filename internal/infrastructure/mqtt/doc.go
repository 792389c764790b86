// Package mqtt connects the ACS to an MQTT broker.
//
// The ACS publishes session, fault and registration events under
// graylogic/acs/device/{id}/... and accepts task submissions on
// graylogic/acs/task/{id}. A retained status message on
// graylogic/acs/status (with a matching will) lets other services see
// whether the ACS is up.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllTasks(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _ := mqtt.Topics{}.TaskDeviceID(topic)
//	        return submit(id, payload)
//	    })
package mqtt

package mqtt

import "errors"

// Errors returned by the broker client. The ACS treats every one of them
// as non-fatal: session events and task notifications are best effort.
var (
	ErrNotConnected     = errors.New("mqtt: not connected to broker")
	ErrConnectionFailed = errors.New("mqtt: broker connection failed")

	// ErrPublishFailed wraps broker errors, publish timeouts and payloads
	// above maxPayloadSize.
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	ErrInvalidQoS   = errors.New("mqtt: QoS must be 0, 1 or 2")
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)

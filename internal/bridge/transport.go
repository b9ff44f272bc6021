package bridge

// MessageHandler receives a raw message from a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Transport abstracts the MQTT client used by the engine. Implementations
// must restore subscriptions across reconnects and invoke the connection
// callback on every state change.
type Transport interface {
	// Subscribe registers a handler for a topic filter.
	Subscribe(filter string, handler MessageHandler) error

	// Publish sends a message. Retained messages survive on the broker.
	Publish(topic string, payload []byte, retain bool) error

	// OnConnectionChange registers a callback invoked with true when the
	// connection is (re)established and false when it is lost.
	OnConnectionChange(fn func(connected bool))
}

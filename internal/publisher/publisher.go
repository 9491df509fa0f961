// Package publisher defines the message shape shared by the completion
// notice publishers in its subpackages.
package publisher

// Message is one notification destined for a topic.
type Message struct {
	Data []byte
	// Attributes are delivered alongside Data for subscriber-side filtering.
	Attributes map[string]string
	// OrderingKey keeps messages for the same job in order when the topic
	// has message ordering enabled.
	OrderingKey string
}

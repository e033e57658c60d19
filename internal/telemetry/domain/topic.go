package telemetry

import "strings"

const (
	// SubscriptionFilter matches the data channel of any sensor.
	SubscriptionFilter = "sensors/+/data"

	topicRoot    = "sensors"
	topicChannel = "data"
)

// SensorIDFromTopic extracts the sensor id from sensors/{id}/data.
func SensorIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicRoot || parts[2] != topicChannel {
		return "", ErrInvalidTopic
	}
	id := parts[1]
	if id == "" || id == "+" || id == "#" {
		return "", ErrInvalidTopic
	}
	return id, nil
}

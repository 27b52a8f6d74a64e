// Package mqtt subscribes to device audio topics on an MQTT broker and queues
// every message payload as a stream chunk for the topic's owner.
package mqtt

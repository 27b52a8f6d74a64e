// Package intake is the boundary between device transports and the queue.
//
// HTTP uploads, raw PCM posts, websocket streams and MQTT messages all end in
// Service.Submit, which validates the owner id, wraps raw PCM in a WAV
// container and writes the result to the durable queue.
package intake

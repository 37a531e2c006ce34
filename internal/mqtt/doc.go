// Package mqtt publishes assistant events to an MQTT broker: JSON
// messages for scheduled deliveries and completed conversation turns,
// plus a retained availability topic.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic. A will message moves the topic to "offline" on
// unexpected disconnects.
package mqtt

// Package mqtt exposes the analysis results as native Home Assistant
// entities via MQTT discovery. Four sensors carry the latest cycle's
// insights, alerts, action summary, and raw model response; a button
// entity triggers an on-demand analysis cycle from the HA UI.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a birth
// message ("online") to the availability topic, re-subscribes to the
// refresh command topic, and republishes the last known result so the
// sensors never come back blank. A will message ensures the
// availability topic transitions to "offline" on unexpected
// disconnects.
package mqtt

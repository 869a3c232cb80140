// Package mqtt owns camrelay's broker session.
//
// The session uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Session transitions are
// reported to an [Observer] (the shared connectivity state): up on every
// CONNACK, down on a server DISCONNECT or a client-side error. When an
// availability topic is configured, every (re-)connect publishes a
// retained "online" birth message and a will message moves the topic to
// "offline" on unexpected disconnects.
//
// Connection failures are logged with an operator hint decoded from the
// underlying socket error (host unreachable, connection refused, timed
// out), since a headless camera's log is often the only diagnostic.
package mqtt

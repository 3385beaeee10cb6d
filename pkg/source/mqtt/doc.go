// Package mqtt adapts an MQTT client into a message source for the
// bridge: one session, one or more topic filters, deliveries handed over
// one at a time on a channel.
package mqtt

// Delivery order follows the broker: the paho client dispatches one
// callback at a time, and the handler blocks until the bridge has
// accepted the message, so a slow database write back-pressures the
// broker connection instead of buffering unboundedly.
//
// Reconnects are transparent. Subscriptions are reestablished in the
// OnConnect handler, which the client fires on every (re)connect; a
// retained message delivered after resubscribe is persisted like any
// other.

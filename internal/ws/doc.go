// Package ws provides the real-time notification layer: WebSocket
// connections, the event loop that owns them, and the message protocol.
//
// The package implements:
//   - Hub: the event loop. It owns the session registry and is the only
//     context that enqueues outbound messages.
//   - Fanout: independent per-session delivery with collected failures.
//   - Handler: upgrades connections and runs the read and write pumps.
//   - Service: wires the Record Store, the notification bridge, the
//     Authenticator and the worker pool to the Hub.
//
// Inbound messages are {"type":"auth","secret"} and
// {"type":"query","token","message"}. Outbound messages are tagged
// envelopes: full-state, record-update, clear-notice, auth-result, error and
// response.
package ws

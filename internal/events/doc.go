// Package events provides the in-process fan-out layer: a topic-based
// publish/subscribe bus for shadow lifecycle events, and a connection
// registry that tracks which live transports (WebSocket clients, future
// SSE or gRPC streams) want which devices and topics.
//
// The bus carries typed payloads between components inside the process;
// the registry carries serialized messages out of it. Both isolate
// failures: a panicking bus handler or a dead connection never affects
// the other subscribers in the same fan-out.
package events

// Package transport moves gossip messages between replicas.
//
// Three implementations share one Transport interface:
//
//	HTTPTransport       request-response: one POST to {addr}/sync per message
//	WebSocketTransport  persistent duplex: one connection per peer on {addr}/ws
//	MemoryTransport     in-process double with partition and link injection
//
// Every implementation frames messages with the codec package and queues
// what arrives in a bounded inbox that Receive drains without blocking.
// Server exposes the inbound HTTP and WebSocket endpoints for the first
// two, plus /metrics, /healthz and /status.
package transport

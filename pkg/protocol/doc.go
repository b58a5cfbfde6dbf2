// Package protocol defines the messages exchanged between the master and its slaves
// and the TCP transport that carries them.
//
// Every message travels in its own frame: a 4-byte big-endian length followed by the
// JSON-encoded envelope. A connection normally carries exactly one frame; the heartbeat
// exchange is the only request/reply pair.
package protocol

// Package master implements the coordinating side of taskmesh.
//
// A Master accepts slaves on its initialize port, gives each one a private
// task/completion port pair, and hands out submitted tasks one per idle node.
// The node registry is owned by a single manager goroutine; discovery, the
// per-node completion receivers and the producer API talk to it through
// channels only. Nodes that fail max_disconnect_errors consecutive sends or
// heartbeats are evicted, and any task they held completes with an empty result
// flagged NodeLost.
package master

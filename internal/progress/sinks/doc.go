// Package sinks implements consumers of progress client events: structured
// logging, Prometheus metrics, run persistence, completion notices and
// artifact archiving. Each sink satisfies progress.Sink.
package sinks

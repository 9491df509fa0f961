// Package progress tracks conversion jobs reported over the backend's push
// channel. Client owns one WebSocket session, keeps it alive, reconnects after
// unexpected drops, and republishes the latest Snapshot per job id. Every
// change is also emitted as an Event so a Hub can batch it out to pluggable
// sinks such as Prometheus, Postgres history, or Pub/Sub notifications.
package progress

// Package rrdp implements the multi-session RRDP engine: a cooperative,
// event-driven state machine per repository that drives fetch requests,
// streams XML bodies through an incremental parser, verifies SHA-256
// digests over the streamed bytes, emits publish/withdraw file events to
// the parent, and reports completion or structured failure.
//
// The engine never touches the network or the filesystem. The parent side
// of the control channel performs the HTTPS fetches and materializes files;
// see internal/app for the in-process parent.
package rrdp

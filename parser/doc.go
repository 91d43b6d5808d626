// Package parser turns mail archives into lazy, forward-only streams of
// normalized messages.
//
// One Parser exists per archive format. A Set maps a Source's declared
// format to its Parser; no format detection is attempted. MBOX and EML are
// always available. PST is an optional capability that is present only when
// a PSTBackend is registered with WithPST at startup.
//
// Streams hold at most one message in memory. A record that cannot be
// decoded is returned with Err set instead of aborting the stream, so a
// single malformed message never hides its neighbours.
package parser

// Package discovery lists the card-reader devices attached to the host.
//
// This package is internal to cardwatch. It runs the external probe command
// (by default `nfc-poll -l`) once and turns its standard output into an
// ordered list of device identifiers, one per non-blank line.
//
// A failing probe yields a [*DiscoveryError] carrying the command's
// diagnostic output. Callers are expected to treat it as non-fatal and carry
// on with an empty device set.
package discovery

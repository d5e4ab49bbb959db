// Package web provides the embedded browser assets for cardwatch.
//
// The assets are compiled into the binary so a single executable serves the
// subscriber page and its client library. Users of the cardwatch library
// should not need to interact with this package directly.
package web

import "embed"

// Assets is an embedded filesystem containing the browser assets.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - subscriber page listing readers and recent events
//	  nfc.js        - WebSocket client with reconnect and exclusive groups
//
//go:embed assets/*
var Assets embed.FS

// Package reader supervises the external card-reader polling processes.
//
// This package is internal to cardwatch. Each physical reader gets one
// [Supervisor], which owns exactly one polling process and one goroutine
// reading that process's standard output line by line. Every line becomes an
// [Event] handed to a shared [Callback]; an empty line means no card is
// present.
//
// The main components are:
//
//   - [Supervisor]: lifecycle of one polling process (Open, Wait, Close)
//   - [Pool]: discovers devices and runs one Supervisor per device
//   - [CommandConfig]: how the polling process is launched and stopped
//   - [State]: Idle → Starting → Running → Exiting → Closed
//
// A Supervisor's process and its read goroutine live and die together: the
// process is signalled, reaped and released on every exit path of the read
// loop, including read errors and panics.
package reader

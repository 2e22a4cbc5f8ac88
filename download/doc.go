// Package download implements resumable, range-aware file downloads.
//
// The Manager probes the server for size and range support, buffers the
// body in ordered chunks, and persists partial progress through a
// resume.Store so an interrupted transfer can continue from its last
// offset. Payloads above a configurable threshold bypass buffering and
// stream straight into the Sink. Progress callbacks are throttled to a
// configurable interval with one exact final report.
package download

// Package transfer holds the session state machine shared by the upload
// coordinator and the download manager.
//
// A Session tracks id, total size, monotonically non-decreasing
// transferred bytes, and a lifecycle status. Status transitions follow a
// fixed table and are monotonic except active<->paused (pause/resume);
// illegal transitions return ErrInvalidTransition instead of silently
// corrupting progress accounting.
package transfer

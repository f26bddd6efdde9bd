// Package session runs one host connection through the command loop.
//
// Ownership boundary:
// - the OFFLINE/COMMAND/COMPLETE/ERROR state machine
// - acknowledgment discipline (exactly one OKAY or FAIL per command)
// - the shared scratch buffer and oversized-download staging
// - the getvar: and download: built-ins
package session

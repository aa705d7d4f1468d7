// Package audio defines the playback abstraction used during review sessions.
//
// A Player turns one audio file into sound and blocks until playback finishes
// or the context is cancelled. The session controller guarantees at most one
// active playback at a time; starting a new clip always cancels the previous
// one first.
package audio

import "context"

// Player plays a single audio file to completion.
//
// Implementations must be safe for concurrent use, although the session layer
// serialises calls in practice.
type Player interface {
	// Play blocks until the file has been played in full or ctx is
	// cancelled. Cancellation is not an error: Play returns ctx.Err() so
	// callers can distinguish an interrupted clip from a playback failure.
	Play(ctx context.Context, path string) error
}

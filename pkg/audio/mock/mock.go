// Package mock provides a test double for the audio.Player interface.
package mock

import (
	"context"
	"sync"
	"time"
)

// Player is a mock implementation of audio.Player.
// The zero value "plays" every clip instantly and successfully.
type Player struct {
	mu sync.Mutex

	// PlayDuration simulates clip length: Play blocks for this long or
	// until ctx is cancelled. Zero returns immediately.
	PlayDuration time.Duration

	// Err, if non-nil, is returned by every Play call.
	Err error

	// Paths records every path passed to Play in order.
	Paths []string
}

// Play implements audio.Player.
func (p *Player) Play(ctx context.Context, path string) error {
	p.mu.Lock()
	p.Paths = append(p.Paths, path)
	d := p.PlayDuration
	err := p.Err
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// Played returns a copy of the recorded playback paths.
func (p *Player) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Paths))
	copy(out, p.Paths)
	return out
}

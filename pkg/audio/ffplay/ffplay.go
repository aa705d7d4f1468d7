// Package ffplay implements audio.Player by shelling out to ffplay from the
// FFmpeg suite. ffplay is widely available, handles every codec the TTS
// providers emit, and exits on its own at end of stream with -autoexit.
package ffplay

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

// Player implements audio.Player using an ffplay subprocess per clip.
type Player struct {
	binary string
}

// Option is a functional option for Player.
type Option func(*Player)

// WithBinary overrides the ffplay executable path. Useful when ffplay is not
// on PATH or tests substitute a stub.
func WithBinary(path string) Option {
	return func(p *Player) { p.binary = path }
}

// New constructs a Player. It returns an error if the ffplay binary cannot be
// found, so a missing dependency surfaces at startup instead of on the first
// card.
func New(opts ...Option) (*Player, error) {
	p := &Player{binary: defaultBinary()}
	for _, o := range opts {
		o(p)
	}
	if _, err := exec.LookPath(p.binary); err != nil {
		return nil, fmt.Errorf("ffplay: %q not found in PATH: %w", p.binary, err)
	}
	return p, nil
}

func defaultBinary() string {
	if runtime.GOOS == "windows" {
		return "ffplay.exe"
	}
	return "ffplay"
}

// Play implements audio.Player. Cancelling ctx kills the subprocess; in that
// case Play returns ctx.Err() rather than the kill-induced exit error.
func (p *Player) Play(ctx context.Context, path string) error {
	cmd := exec.CommandContext(ctx, p.binary,
		"-nodisp",
		"-autoexit",
		"-hide_banner",
		"-loglevel", "quiet",
		path,
	)
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("ffplay: exited with code %d playing %q", exitErr.ExitCode(), path)
		}
		return fmt.Errorf("ffplay: play %q: %w", path, err)
	}
	return nil
}

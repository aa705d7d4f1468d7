package session

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ActionSource delivers user actions to the controller.
type ActionSource interface {
	// NextAction blocks until the user issues an action or ctx is
	// cancelled.
	NextAction(ctx context.Context) (Action, error)
}

// Keyboard reads single keystrokes from a terminal in raw mode and maps
// them to actions. Construct with OpenKeyboard and close it to restore the
// terminal state.
type Keyboard struct {
	in       *os.File
	oldState *term.State
	keys     chan byte
	readErr  chan error
}

// OpenKeyboard switches the terminal into raw mode and starts reading
// keystrokes.
func OpenKeyboard(in *os.File) (*Keyboard, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("session: input is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("session: enter raw mode: %w", err)
	}

	kb := &Keyboard{
		in:       in,
		oldState: oldState,
		keys:     make(chan byte),
		readErr:  make(chan error, 1),
	}
	go kb.readLoop()
	return kb, nil
}

func (kb *Keyboard) readLoop() {
	buf := make([]byte, 1)
	for {
		n, err := kb.in.Read(buf)
		if err != nil {
			kb.readErr <- err
			return
		}
		if n == 1 {
			kb.keys <- buf[0]
		}
	}
}

// NextAction implements [ActionSource]. Unmapped keys are ignored.
func (kb *Keyboard) NextAction(ctx context.Context) (Action, error) {
	for {
		select {
		case <-ctx.Done():
			return ActionNone, ctx.Err()
		case err := <-kb.readErr:
			if err == io.EOF {
				return ActionQuit, nil
			}
			return ActionNone, fmt.Errorf("session: read key: %w", err)
		case key := <-kb.keys:
			if action, ok := mapKey(key); ok {
				return action, nil
			}
		}
	}
}

// Close restores the terminal state.
func (kb *Keyboard) Close() error {
	return term.Restore(int(kb.in.Fd()), kb.oldState)
}

// mapKey translates one keystroke into an action. Returns false for keys
// without a binding.
func mapKey(key byte) (Action, bool) {
	switch key {
	case ' ':
		return ActionPlayAll, true
	case 'p':
		return ActionPlayPrimary, true
	case 's':
		return ActionStop, true
	case 'n':
		return ActionNext, true
	case 'b':
		return ActionPrevious, true
	case '1':
		return ActionRate1, true
	case '2':
		return ActionRate2, true
	case '3':
		return ActionRate3, true
	case '4':
		return ActionRate4, true
	case 'r':
		return ActionRegenerate, true
	case 'h', '?':
		return ActionHelp, true
	case 'q', 0x03, 0x04: // q, Ctrl-C, Ctrl-D
		return ActionQuit, true
	}
	return ActionNone, false
}

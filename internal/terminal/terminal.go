// Package terminal attaches the local terminal to a remote session.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// ErrEscapeSequence is returned when the user triggers the escape sequence.
var ErrEscapeSequence = errors.New("escape sequence detected")

// ResizeFunc is called with the new size whenever the local terminal
// changes dimensions.
type ResizeFunc func(width, height int) error

// Console wraps the local terminal.
type Console struct {
	stdin  io.Reader
	stdout io.Writer
	fd     int
}

// Current returns the current console.
func Current() *Console {
	return &Console{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		fd:     int(os.Stdin.Fd()),
	}
}

// IsTTY returns true if stdin is a terminal.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// SetRaw puts the terminal into raw mode and returns restore function.
func (c *Console) SetRaw() (func(), error) {
	oldState, err := term.MakeRaw(c.fd)
	if err != nil {
		return nil, err
	}
	return func() {
		term.Restore(c.fd, oldState)
	}, nil
}

// Size returns the current terminal size.
func (c *Console) Size() (width, height int, err error) {
	return term.GetSize(c.fd)
}

// Attach puts the terminal in raw mode and copies keyboard input to in and
// out to the screen. It returns when ctx is done, the remote side closes
// out, or the user types Ctrl+] twice, in which case ErrEscapeSequence is
// returned. resize may be nil.
func (c *Console) Attach(ctx context.Context, in io.Writer, out io.Reader, resize ResizeFunc) error {
	restore, err := c.SetRaw()
	if err != nil {
		return err
	}
	defer restore()

	fmt.Fprintf(c.stdout, "Escape sequence: Ctrl+] Ctrl+]\r\n")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if resize != nil {
		go c.watchSize(ctx, resize)
	}

	return c.pipe(ctx, in, out)
}

func (c *Console) watchSize(ctx context.Context, resize ResizeFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			if w, h, err := c.Size(); err == nil {
				resize(w, h)
			}
		}
	}
}

// pipe runs the two copy loops without touching terminal modes.
func (c *Console) pipe(ctx context.Context, in io.Writer, out io.Reader) error {
	keys := NewEscapeReader(c.stdin)

	go io.Copy(in, keys)

	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		io.Copy(c.stdout, out)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-keys.Escaped():
		fmt.Fprintf(c.stdout, "\r\nEscape sequence detected, exiting...\r\n")
		return ErrEscapeSequence
	case <-outDone:
		return nil
	}
}

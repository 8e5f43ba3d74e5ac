// Package tty adapts a Unix terminal for interactive kernel debugging: raw
// keypresses read from stdin are delivered to a Sink one byte at a time.
package tty

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY = errors.New("tty: not a terminal")

// Sink receives keypresses read from a Console.
type Sink interface {
	OnKey(key byte)
}

// Console is a raw-mode terminal session.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	keyCh chan byte
}

// NewConsole puts sin into raw mode and returns a Console reading from it.
// Callers must call Restore to return the terminal to its original state.
func NewConsole(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	c := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sin, ""),
		state: saved,
		keyCh: make(chan byte, 1),
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return c, nil
}

// Writer returns the terminal's output stream.
func (c *Console) Writer() io.Writer { return c.out }

// Restore returns the terminal to its state before NewConsole.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	return c.in.SetReadDeadline(time.Time{})
}

// Run reads bytes from the terminal and delivers each to sink until ctx is
// cancelled or the read fails.
func (c *Console) Run(ctx context.Context, sink Sink) error {
	_ = syscall.SetNonblock(c.fd, false)

	buf := bufio.NewReader(c.in)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return err
		}

		sink.OnKey(b)
	}
}

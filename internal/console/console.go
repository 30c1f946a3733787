// Package console owns the kernel console: a UART handed over by the board
// code, serialized behind an MCS lock, with the line-discipline byte
// translations every consumer expects.
package console

import (
	"github.com/r9os/r9/internal/mcs"
)

// Backspace is ^H; it is translated on output to rub out the previous cell.
const Backspace = 'H' - '@'

// Uart is the transmit contract a board's serial device provides.
type Uart interface {
	PutByte(b byte)
}

// Console serializes writes to one UART. Every byte goes through the output
// translation: newline becomes carriage-return line-feed, and a backspace
// becomes backspace, space, backspace.
type Console struct {
	uart *mcs.Guarded[Uart]
}

// New returns a console over uart.
func New(uart Uart) *Console {
	return &Console{uart: mcs.NewGuarded[Uart]("cons", uart)}
}

// putb writes one translated byte to the held uart.
func putb(uart Uart, b byte) {
	switch b {
	case '\n':
		uart.PutByte('\r')
	case Backspace:
		uart.PutByte(b)
		uart.PutByte(' ')
	}
	uart.PutByte(b)
}

// PutByte writes one byte.
func (c *Console) PutByte(b byte) {
	var node mcs.LockNode
	uart := c.uart.Lock(&node)
	defer c.uart.Unlock(&node)

	putb(*uart, b)
}

// PutString writes a string.
func (c *Console) PutString(s string) {
	var node mcs.LockNode
	uart := c.uart.Lock(&node)
	defer c.uart.Unlock(&node)

	for i := 0; i < len(s); i++ {
		putb(*uart, s[i])
	}
}

// Write implements io.Writer so formatted output and the kernel logger can
// route through the console.
func (c *Console) Write(p []byte) (int, error) {
	var node mcs.LockNode
	uart := c.uart.Lock(&node)
	defer c.uart.Unlock(&node)

	for _, b := range p {
		putb(*uart, b)
	}
	return len(p), nil
}

// Command termtest attaches the host terminal to a booted kernel's serial
// console: keys you press are echoed through the kernel console and its
// line discipline, so backspace and newline translation happen the way the
// board's UART would show them. Press ctrl-D to exit.
package main

import (
	"context"
	"log"
	"time"

	"github.com/r9os/r9/cmd/internal/tty"
	"github.com/r9os/r9/internal/fdt/fdtbuild"
	"github.com/r9os/r9/internal/hw"
	"github.com/r9os/r9/internal/kernel"
	"github.com/r9os/r9/internal/mem"
	"github.com/r9os/r9/internal/vm"
)

const ctrlD = 'D' - '@'

func main() {
	ctx := context.Background()
	ctx, console, cancel := tty.WithConsole(ctx)
	defer cancel()

	mach := hw.NewMachine(0, 64<<20)

	blob := fdtbuild.RaspberryPi3()
	window, err := mach.Bytes(mem.PhysRangeWithLen(0x10_0000, uint64(len(blob))))
	if err != nil {
		log.Fatal(err)
	}
	copy(window, blob)

	k, err := kernel.Boot(kernel.Config{
		Arch:    vm.AArch64,
		Mach:    mach,
		UART:    hw.NewUART(console.Writer()),
		DTBAddr: 0x10_0000,
	})
	if err != nil {
		log.Fatal(err)
	}

	k.Cons.PutString("\ntype away; ctrl-D quits\n")

loop:
	for {
		select {
		case key := <-console.Keys():
			if key == ctrlD {
				break loop
			}
			k.Cons.PutByte(key)

		case <-time.After(5 * time.Minute):
			break loop

		case <-ctx.Done():
			break loop
		}
	}

	k.Cons.PutString("\nbye\n")
}

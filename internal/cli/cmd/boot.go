package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/r9os/r9/internal/cli"
	"github.com/r9os/r9/internal/fdt/fdtbuild"
	"github.com/r9os/r9/internal/hw"
	"github.com/r9os/r9/internal/kernel"
	"github.com/r9os/r9/internal/log"
	"github.com/r9os/r9/internal/mem"
	"github.com/r9os/r9/internal/vm"
)

// Boot is the command that boots the kernel on a simulated machine.
func Boot() cli.Command {
	return new(boot)
}

type boot struct {
	arch       string
	dtbPath    string
	memory     uint64
	debug      bool
	quiet      bool
	pagetables bool
}

func (boot) Description() string {
	return "boot the kernel on a simulated machine"
}

func (b boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot [ -arch <aarch64|riscv64|amd64> ] [ -dtb <file> ] [ -memory <MiB> ]
     [ -pagetables ] [ -debug | -quiet ]

Stage a device tree in the machine's memory and run the kernel bring-up
sequence against it, printing the serial console to standard output.`)

	return err
}

func (b *boot) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.StringVar(&b.arch, "arch", "aarch64", "translation-table format to drive")
	fs.StringVar(&b.dtbPath, "dtb", "", "device-tree blob to boot with (default: built-in board)")
	fs.Uint64Var(&b.memory, "memory", 64, "machine memory in MiB")
	fs.BoolVar(&b.pagetables, "pagetables", false, "dump the kernel page tables after boot")
	fs.BoolVar(&b.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&b.quiet, "quiet", false, "enable quiet output, console only")

	return fs
}

// dtbLoadAddr is where the loader stages the blob, below the kernel image.
const dtbLoadAddr = mem.PhysAddr(0x10_0000)

func (b *boot) Run(_ context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	if b.quiet {
		log.LogLevel.Set(log.Error)
	}
	if b.debug {
		log.LogLevel.Set(log.Debug)
	}

	arch, err := archByName(b.arch)
	if err != nil {
		logger.Error(err.Error())
		return 1
	}

	blob, err := b.loadBlob()
	if err != nil {
		logger.Error("loading dtb", "err", err)
		return 1
	}

	mach := hw.NewMachine(0, b.memory<<20)
	window, err := mach.Bytes(mem.PhysRangeWithLen(uint64(dtbLoadAddr), uint64(len(blob))))
	if err != nil {
		logger.Error("staging dtb", "err", err)
		return 1
	}
	copy(window, blob)

	k, err := kernel.Boot(kernel.Config{
		Arch:    arch,
		Mach:    mach,
		UART:    hw.NewUART(out),
		DTBAddr: dtbLoadAddr,
	})
	if err != nil {
		logger.Error("boot failed", "err", err)
		return 2
	}

	if b.pagetables {
		k.DumpPageTables()
	}

	logger.Info("boot complete", "arch", arch.Name())
	return 0
}

func (b *boot) loadBlob() ([]byte, error) {
	if b.dtbPath == "" {
		return fdtbuild.RaspberryPi3(), nil
	}
	return os.ReadFile(b.dtbPath)
}

func archByName(name string) (vm.Arch, error) {
	switch name {
	case "aarch64":
		return vm.AArch64, nil
	case "riscv64":
		return vm.RiscV64, nil
	case "amd64":
		return vm.AMD64, nil
	default:
		return nil, fmt.Errorf("unknown architecture %q", name)
	}
}

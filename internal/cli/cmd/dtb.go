package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/r9os/r9/internal/cli"
	"github.com/r9os/r9/internal/fdt"
	"github.com/r9os/r9/internal/fdt/fdtbuild"
	"github.com/r9os/r9/internal/log"
)

// DTB is the command that inspects a device-tree blob.
func DTB() cli.Command {
	return new(dtb)
}

type dtb struct {
	regs bool
}

func (dtb) Description() string {
	return "inspect a device-tree blob"
}

func (d dtb) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
dtb [ -regs ] [ file ]

Parse a flattened device tree and print its nodes. Without a file, the
built-in board tree is printed. With -regs, each node's reg entries are
shown translated to the root bus.`)

	return err
}

func (d *dtb) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("dtb", flag.ExitOnError)

	fs.BoolVar(&d.regs, "regs", false, "show translated reg entries")

	return fs
}

func (d *dtb) Run(_ context.Context, args []string, out io.Writer, logger *log.Logger) int {
	blob := fdtbuild.RaspberryPi3()
	if len(args) == 1 {
		fileBlob, err := os.ReadFile(args[0])
		if err != nil {
			logger.Error("reading blob", "err", err)
			return 1
		}
		blob = fileBlob
	}

	dt, err := fdt.New(blob)
	if err != nil {
		logger.Error("parsing blob", "err", err)
		return 1
	}

	nodes := dt.Nodes()
	for {
		n, ok := nodes.Next()
		if !ok {
			break
		}

		name, _ := dt.NodeName(n)
		if name == "" {
			name = "/"
		}
		fmt.Fprintf(out, "%s%s\n", strings.Repeat("  ", n.Depth()), name)

		if !d.regs {
			continue
		}

		regs := dt.TranslatedRegIter(n)
		for {
			tr, ok := regs.Next()
			if !ok {
				break
			}
			indent := strings.Repeat("  ", n.Depth()+1)
			switch {
			case tr.Unreachable:
				fmt.Fprintf(out, "%sreg: unreachable\n", indent)
			case tr.Reg.HasLen:
				fmt.Fprintf(out, "%sreg: %#x len %#x\n", indent, tr.Reg.Addr, tr.Reg.Len)
			default:
				fmt.Fprintf(out, "%sreg: %#x\n", indent, tr.Reg.Addr)
			}
		}
	}

	return 0
}

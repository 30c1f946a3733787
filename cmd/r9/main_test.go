package main_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/r9os/r9/internal/cli/cmd"
	"github.com/r9os/r9/internal/log"
)

// TestBootCommand runs the boot command the way main dispatches it.
func TestBootCommand(t *testing.T) {
	boot := cmd.Boot()

	fs := boot.FlagSet()
	if err := fs.Parse([]string{"-quiet", "-memory", "32"}); err != nil {
		t.Fatalf("flags: %v", err)
	}

	out := &bytes.Buffer{}
	logger := log.NewConsoleLogger(out)

	if rc := boot.Run(context.Background(), fs.Args(), out, logger); rc != 0 {
		t.Fatalf("boot exited %d:\n%s", rc, out.String())
	}

	if !strings.Contains(out.String(), "r9 from the Internet") {
		t.Errorf("missing banner:\n%s", out.String())
	}
}

// TestDTBCommand dumps the built-in tree.
func TestDTBCommand(t *testing.T) {
	dtb := cmd.DTB()

	fs := dtb.FlagSet()
	if err := fs.Parse([]string{"-regs"}); err != nil {
		t.Fatalf("flags: %v", err)
	}

	out := &bytes.Buffer{}
	logger := log.NewConsoleLogger(out)

	if rc := dtb.Run(context.Background(), fs.Args(), out, logger); rc != 0 {
		t.Fatalf("dtb exited %d", rc)
	}

	for _, want := range []string{
		"serial@7e201000",
		"reg: 0x3f201000 len 0x200",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("missing %q:\n%s", want, out.String())
		}
	}
}

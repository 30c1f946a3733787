package log

import (
	"strings"
	"testing"
)

func TestHandlerFormatsSingleLines(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	logger := NewConsoleLogger(&out)

	logger.Info("boot", "dtb", "0x100000", "cpus", 4)

	got := out.String()
	if !strings.HasPrefix(got, "INFO  boot") {
		t.Errorf("prefix: %q", got)
	}
	if !strings.Contains(got, "dtb=0x100000") || !strings.Contains(got, "cpus=4") {
		t.Errorf("attrs: %q", got)
	}
	if strings.Count(got, "\n") != 1 {
		t.Errorf("not a single line: %q", got)
	}
}

func TestHandlerGroups(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	logger := NewConsoleLogger(&out)

	logger.WithGroup("mem").Info("usage", "used", 40, "total", 128)

	got := out.String()
	if !strings.Contains(got, "mem.used=40") || !strings.Contains(got, "mem.total=128") {
		t.Errorf("grouped attrs: %q", got)
	}
}

func TestHandlerWithAttrs(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	logger := NewConsoleLogger(&out)

	logger.With("cpu", 0).Info("online")

	if got := out.String(); !strings.Contains(got, "cpu=0") {
		t.Errorf("carried attr: %q", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var out strings.Builder
	logger := NewConsoleLogger(&out)

	LogLevel.Set(Warn)
	defer LogLevel.Set(Info)

	logger.Info("quiet")
	logger.Warn("loud")

	got := out.String()
	if strings.Contains(got, "quiet") {
		t.Errorf("info not filtered: %q", got)
	}
	if !strings.Contains(got, "loud") {
		t.Errorf("warn filtered: %q", got)
	}
}

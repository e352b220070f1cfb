package version

import (
	"strings"
	"testing"
)

func TestStringNeverEmpty(t *testing.T) {
	restore := Version
	defer func() { Version = restore }()

	Version = ""
	if !strings.HasPrefix(String(), "dev") {
		t.Errorf("empty ldflags version should fall back to dev, got %q", String())
	}
	Version = "v1.2.3"
	if !strings.HasPrefix(String(), "v1.2.3") {
		t.Errorf("stamped version should lead, got %q", String())
	}
}

func TestDetailedDefaultsComponent(t *testing.T) {
	if !strings.HasPrefix(Detailed(""), "qwengate ") {
		t.Errorf("empty component should default, got %q", Detailed(""))
	}
	if !strings.HasPrefix(Detailed("gw"), "gw ") {
		t.Errorf("got %q", Detailed("gw"))
	}
}

package version

import (
	"strings"
	"testing"
)

func TestGetIsTrimmed(t *testing.T) {
	v := Get()
	if v == "" {
		t.Fatal("empty version")
	}
	if strings.TrimSpace(v) != v {
		t.Errorf("version %q has surrounding whitespace", v)
	}
}

package main

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersionCmd(t *testing.T) {
	output, err := executeCmd(t, "version")
	if err != nil {
		t.Fatalf("version command error = %v", err)
	}

	for _, phrase := range []string{"restflow dev", "commit: none", "go:     " + runtime.Version()} {
		if !strings.Contains(output, phrase) {
			t.Errorf("output missing %q\nGot: %s", phrase, output)
		}
	}
}

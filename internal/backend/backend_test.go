package backend

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/palisade-fw/palisade/internal/logging"
	"github.com/palisade-fw/palisade/internal/rule"
)

// fakeRunner records every invocation and serves canned outputs, so
// adapter behavior can be asserted without the underlying tools.
type fakeRunner struct {
	commands []string
	outputs  map[string]string
	failRun  map[string]error
	paths    map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs: make(map[string]string),
		failRun: make(map[string]error),
		paths:   make(map[string]bool),
	}
}

func key(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *fakeRunner) Run(name string, args ...string) error {
	k := key(name, args)
	f.commands = append(f.commands, k)
	return f.failRun[k]
}

func (f *fakeRunner) RunInput(input string, name string, args ...string) error {
	return f.Run(name, args...)
}

func (f *fakeRunner) Output(name string, args ...string) ([]byte, error) {
	k := key(name, args)
	f.commands = append(f.commands, k)
	if out, ok := f.outputs[k]; ok {
		return []byte(out), nil
	}
	return nil, nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.paths[name] {
		return "/usr/sbin/" + name, nil
	}
	return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
}

func (f *fakeRunner) ran(prefix string) bool {
	for _, c := range f.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func TestFamilies(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		dst     string
		v4, v6  bool
		wantErr bool
	}{
		{name: "unconstrained", src: "", dst: "", v4: true, v6: true},
		{name: "any keyword", src: "any", dst: "any", v4: true, v6: true},
		{name: "v4 source", src: "10.0.0.0/8", dst: "", v4: true},
		{name: "v6 destination", src: "", dst: "2001:db8::/32", v6: true},
		{name: "both v4", src: "10.0.0.0/8", dst: "192.168.1.0/24", v4: true},
		{name: "mixed families", src: "10.0.0.0/8", dst: "2001:db8::/32", wantErr: true},
		{name: "malformed source", src: "not-an-addr", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule.Rule{Source: tt.src, Destination: tt.dst}
			v4, v6, err := families(&r)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v4 != tt.v4 || v6 != tt.v6 {
				t.Errorf("got v4=%v v6=%v, want v4=%v v6=%v", v4, v6, tt.v4, tt.v6)
			}
		})
	}
}

//go:build unix

package engine

import (
	"bytes"
	"testing"
	"time"
)

// TestSpawnTransportRealShell drives a genuine /bin/sh child through a real
// pty: prompt detection, a dispatched command, and its prefixed output all
// have to round-trip through the actual kernel tty layer, not the fakeConn
// used by the rest of this package's tests.
func TestSpawnTransportRealShell(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	d, err := NewDispatcher("localhost", "localhost", "/bin/sh", reg, Options{
		Interactive: true,
		Out:         &out,
		WidthFn:     func() int { return len("localhost") },
	})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	defer d.Disconnect()

	loop := NewLoop()
	deadline := time.Now().Add(10 * time.Second)
	for d.State() != Idle && time.Now().Before(deadline) {
		if _, err := loop.Step(200*time.Millisecond, []PollSource{d}); err != nil {
			t.Fatalf("loop step: %v", err)
		}
	}
	if d.State() != Idle {
		t.Fatalf("never reached Idle, state = %v", d.State())
	}

	if err := d.DispatchCommand([]byte("echo integration-marker\n")); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(10 * time.Second)
	for !bytes.Contains(out.Bytes(), []byte("integration-marker")) && time.Now().Before(deadline) {
		if _, err := loop.Step(200*time.Millisecond, []PollSource{d}); err != nil {
			t.Fatalf("loop step: %v", err)
		}
	}

	if !bytes.Contains(out.Bytes(), []byte("localhost: integration-marker")) {
		t.Fatalf("output = %q, want a line containing %q", out.String(), "localhost: integration-marker")
	}
}

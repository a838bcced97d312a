//go:build unix

package engine

import (
	"os"
	"testing"
	"time"
)

// pipeSource adapts a pair of *os.File pipe ends to the PollSource
// interface so the loop can be exercised against real descriptors
// without spawning a transport process.
type pipeSource struct {
	r, w   *os.File
	reads  [][]byte
	writeQ []byte
}

func (p *pipeSource) Fd() int         { return int(p.r.Fd()) }
func (p *pipeSource) Readable() bool  { return true }
func (p *pipeSource) Writable() bool  { return len(p.writeQ) > 0 }
func (p *pipeSource) HandleWrite() error {
	if len(p.writeQ) == 0 {
		return nil
	}
	n, err := p.w.Write(p.writeQ)
	p.writeQ = p.writeQ[n:]
	return err
}
func (p *pipeSource) HandleRead() error {
	buf := make([]byte, 4096)
	n, err := p.r.Read(buf)
	if n > 0 {
		p.reads = append(p.reads, append([]byte(nil), buf[:n]...))
	}
	return err
}

func TestLoopStepReadsReadySource(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	src := &pipeSource{r: r, w: w}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	loop := NewLoop()
	n, err := loop.Step(time.Second, []PollSource{src})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reads = %d, want 1", n)
	}
	if len(src.reads) != 1 || string(src.reads[0]) != "hello" {
		t.Fatalf("reads captured = %v", src.reads)
	}
	if loop.Iterations() != 1 {
		t.Fatalf("iterations = %d, want 1", loop.Iterations())
	}
	if loop.TotalReads() != 1 {
		t.Fatalf("total reads = %d, want 1", loop.TotalReads())
	}
}

func TestLoopStepTimesOutWithNoData(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	src := &pipeSource{r: r, w: w}
	loop := NewLoop()
	n, err := loop.Step(50*time.Millisecond, []PollSource{src})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reads = %d, want 0", n)
	}
}

func TestLoopStepSkipsDescriptorlessSources(t *testing.T) {
	fc := &fakeConn{}
	ep := NewEndpoint(fc)
	ep.DispatchWrite([]byte("queued"))

	loop := NewLoop()
	n, err := loop.Step(10*time.Millisecond, []PollSource{fdlessSource{ep}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("reads = %d, want 0 (no descriptor to poll)", n)
	}
}

type fdlessSource struct{ ep *Endpoint }

func (f fdlessSource) Fd() int           { return f.ep.Fd() }
func (f fdlessSource) Readable() bool    { return f.ep.Readable() }
func (f fdlessSource) Writable() bool    { return f.ep.Writable() }
func (f fdlessSource) HandleRead() error { _, err := f.ep.HandleRead(); return err }
func (f fdlessSource) HandleWrite() error { return f.ep.HandleWrite() }

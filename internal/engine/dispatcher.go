package engine

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
)

// State is one of the remote shell entity's four lifecycle states.
type State int

const (
	NotStarted State = iota
	Idle
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	hostKeyUnknownMarker = "The authenticity of host"
	hostKeyChangedMarker = "REMOTE HOST IDENTIFICATION HAS CHANGED"
)

// Dispatcher is one C3: it owns the transport child, a line-buffered I/O
// endpoint, the prompt-readiness state machine, and the classification
// and formatting of every line the remote shell produces.
//
// Every method here runs on the single event-loop goroutine; Dispatcher
// holds no internal lock and assumes single-threaded, non-reentrant
// callers.
type Dispatcher struct {
	id uuid.UUID

	Hostname    string
	displayName string

	cmd          *exec.Cmd
	transportPID int
	endpoint     *Endpoint

	state   State
	active  bool
	enabled bool
	debug   bool

	interactive    bool
	pendingCommand []byte

	initString     []byte
	initStringSent bool
	startupBuffer  []byte

	prefixHalf string
	suffixHalf string

	registry *Registry

	out  io.Writer // prefixed operator output
	diag io.Writer // prefix-free diagnostics

	abortError bool

	widthFn      func() int
	onNameChange func(d *Dispatcher, oldName string)
	onDisconnect func(d *Dispatcher)
	onFatal      func(err error)
}

// Options configures dispatcher construction.
type Options struct {
	Interactive    bool
	PendingCommand []byte
	AbortError     bool
	Debug          bool
	// HidePassword configures the spawned transport to pull its password
	// from the keyring via SSH_ASKPASS instead of prompting on the pty.
	HidePassword bool
	// ReadBufferCeiling overrides the endpoint's soft read-buffer ceiling;
	// zero keeps the endpoint's own default.
	ReadBufferCeiling int
	Out               io.Writer
	Diag              io.Writer
	WidthFn           func() int
	OnNameChange      func(d *Dispatcher, oldName string)
	OnDisconnect      func(d *Dispatcher)
	// OnFatal is invoked when the dispatcher disconnects while still
	// NotStarted and AbortError is set (an I/O failure, a rejected host
	// key, or an explicit Disconnect). The caller (cmd/run.go)
	// unwinds the event loop and exits 1.
	OnFatal func(err error)
}

// NewDispatcher spawns the transport child for hostname via the given
// template, wraps its pty controller fd, and prepares (but does not yet
// send) the readiness init string.
func NewDispatcher(hostname, displayName, transportTemplate string, registry *Registry, opts Options) (*Dispatcher, error) {
	cmd, ep, err := spawnTransport(transportTemplate, hostname, opts.HidePassword)
	if err != nil {
		return nil, err
	}
	return newDispatcherFromEndpoint(cmd, ep, hostname, displayName, registry, opts)
}

// newDispatcherFromEndpoint builds a dispatcher over an already-wrapped
// endpoint. cmd may be nil (as it is in unit tests that drive an
// in-memory conn instead of a real transport child).
func newDispatcherFromEndpoint(cmd *exec.Cmd, ep *Endpoint, hostname, displayName string, registry *Registry, opts Options) (*Dispatcher, error) {
	pid := 0
	if cmd != nil && cmd.Process != nil {
		pid = cmd.Process.Pid
	}

	d := &Dispatcher{
		id:             uuid.New(),
		Hostname:       hostname,
		displayName:    displayName,
		cmd:            cmd,
		transportPID:   pid,
		endpoint:       ep,
		state:          NotStarted,
		active:         true,
		enabled:        true,
		debug:          opts.Debug,
		interactive:    opts.Interactive,
		pendingCommand: opts.PendingCommand,
		registry:       registry,
		out:            opts.Out,
		diag:           opts.Diag,
		abortError:     opts.AbortError,
		widthFn:        opts.WidthFn,
		onNameChange:   opts.OnNameChange,
		onDisconnect:   opts.OnDisconnect,
		onFatal:        opts.OnFatal,
	}
	if d.out == nil {
		d.out = io.Discard
	}
	if d.diag == nil {
		d.diag = io.Discard
	}
	if d.widthFn == nil {
		d.widthFn = func() int { return len(d.displayName) }
	}
	if opts.ReadBufferCeiling > 0 {
		ep.SetCeiling(opts.ReadBufferCeiling)
	}

	prefixHalf, suffixHalf, err := registry.Add(d.ownerKey(), d.seenPrompt, true)
	if err != nil {
		d.killTransport()
		return nil, err
	}
	d.prefixHalf, d.suffixHalf = prefixHalf, suffixHalf
	d.initString = buildInitString(prefixHalf, suffixHalf)

	return d, nil
}

func (d *Dispatcher) ownerKey() string { return d.id.String() }

// ID is the dispatcher's unique identifier; its string form owns this
// dispatcher's callback triggers and keys it in a DispatcherSet.
func (d *Dispatcher) ID() uuid.UUID { return d.id }

// Fd satisfies the event loop's PollSource interface.
func (d *Dispatcher) Fd() int { return d.endpoint.Fd() }

// Readable/Writable/HandleWrite delegate straight to the endpoint; only
// HandleRead needs dispatcher-level framing logic.
func (d *Dispatcher) Readable() bool { return d.active && d.endpoint.Readable() }
func (d *Dispatcher) Writable() bool { return d.active && d.endpoint.Writable() }

func (d *Dispatcher) HandleWrite() error {
	if !d.active {
		return nil
	}
	if err := d.endpoint.HandleWrite(); err != nil {
		d.handleIOFailure(err)
		return err
	}
	return nil
}

// HandleRead drains the transport, appends to the read buffer, and runs
// the fast/slow path line framing: while running a command with no
// callback trigger in flight, only full lines up to the last newline are
// printed eagerly; otherwise lines are processed one at a time so
// callback triggers are never missed mid-buffer.
func (d *Dispatcher) HandleRead() error {
	if !d.active {
		return nil
	}
	chunk, err := d.endpoint.HandleRead()
	if d.debug && len(chunk) > 0 {
		slog.Debug("dispatcher read", "host", d.displayName, "bytes", len(chunk), "data", string(chunk))
	}
	if err != nil {
		d.handleIOFailure(err)
		return err
	}

	d.drain()

	if d.state == NotStarted && !d.initStringSent {
		d.endpoint.DispatchWrite(d.initString)
		d.initStringSent = true
	}
	return nil
}

// drain implements the fast path / slow path split.
func (d *Dispatcher) drain() {
	buf := d.endpoint.ReadBuffer()

	if d.state == Running && !d.registry.AnyIn(buf) {
		if idx := bytes.LastIndexByte(buf, '\n'); idx >= 0 {
			d.printLines(string(buf[:idx+1]))
			d.endpoint.ConsumeRead(idx + 1)
		}
		return
	}

	for {
		buf = d.endpoint.ReadBuffer()
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := string(buf[:idx])
		d.endpoint.ConsumeRead(idx + 1)

		if d.registry.Process(line) {
			continue
		}

		switch d.state {
		case Idle, Running:
			d.printLines(line)
		case NotStarted:
			d.startupBuffer = append(d.startupBuffer, []byte(line)...)
			d.startupBuffer = append(d.startupBuffer, '\n')
			if strings.Contains(line, hostKeyUnknownMarker) || strings.Contains(line, hostKeyChangedMarker) {
				fmt.Fprintf(d.diag, "%s: remote host identification rejected: %s\n", d.displayName, line)
				d.disconnect(ErrHostKeyChanged)
				return
			}
		}
	}
}

// seenPrompt is the continuous callback registered against the readiness
// trigger embedded in PS1. It implements the NotStarted/Running/Idle
// state transitions.
func (d *Dispatcher) seenPrompt(payload string) {
	switch d.state {
	case NotStarted:
		d.startupBuffer = nil
		switch {
		case d.interactive:
			d.state = Idle
		case len(d.pendingCommand) > 0:
			d.state = Running
			// Mark the boundary between "about to run the pending command"
			// and the command's own output with a one-shot PS1 redefinition
			// under a fresh trigger; the handler is a no-op; its only job is
			// to exist so this redefinition's own echo doesn't get printed
			// as ordinary output.
			if p1, p2, err := d.registry.Add(d.ownerKey(), func(string) {}, true); err == nil {
				d.endpoint.DispatchWrite(buildPS1Line(p1, p2))
			}
			cmd := append(append([]byte{}, d.pendingCommand...), '\n')
			d.endpoint.DispatchWrite(cmd)
			d.endpoint.DispatchWrite(d.initString)
			d.pendingCommand = nil
		default:
			d.state = Terminated
			d.Disconnect()
		}
	case Running:
		d.state = Idle
	}
}

// printLines strips a trailing newline, collapses runs of blank lines to
// a fixpoint, then emits one prefixed line per remaining line.
func (d *Dispatcher) printLines(text string) {
	text = strings.TrimSuffix(text, "\n")
	for {
		collapsed := strings.ReplaceAll(text, "\n\n", "\n")
		if collapsed == text {
			break
		}
		text = collapsed
	}
	if text == "" {
		return
	}

	width := d.widthFn()
	pad := width - len(d.displayName)
	if pad < 0 {
		pad = 0
	}
	padding := strings.Repeat(" ", pad)

	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(d.out, "%s%s: %s\n", d.displayName, padding, line)
	}
}

// FlushUnfinished is the print_unfinished_line hook: it flushes a partial,
// newline-free line (e.g. a progress bar) so it still reaches the
// operator. It obeys the same callback/print split as drain. Nothing in
// this repository calls it; no staleness timer is scheduled.
func (d *Dispatcher) FlushUnfinished() {
	buf := d.endpoint.ReadBuffer()
	if len(buf) == 0 || bytes.IndexByte(buf, '\n') >= 0 {
		return
	}
	line := string(buf)
	d.endpoint.ConsumeRead(len(buf))

	if d.registry.Process(line) {
		return
	}
	switch d.state {
	case Idle, Running:
		d.printLines(line)
	case NotStarted:
		d.startupBuffer = append(d.startupBuffer, buf...)
	}
}

// DispatchWrite appends bytes to the write buffer. It is rejected when
// the dispatcher is inactive or operator-disabled.
func (d *Dispatcher) DispatchWrite(p []byte) error {
	if !d.active || !d.enabled {
		return ErrDisabled
	}
	d.endpoint.DispatchWrite(p)
	return nil
}

// DispatchCommand writes bytes and transitions Idle -> Running.
func (d *Dispatcher) DispatchCommand(p []byte) error {
	if err := d.DispatchWrite(p); err != nil {
		return err
	}
	d.state = Running
	return nil
}

// SendControl translates an ASCII letter to its control-code equivalent
// ('c' -> 0x03, 'd' -> 0x04, 'z' -> 0x1A, ...) and writes it raw.
func (d *Dispatcher) SendControl(letter byte) error {
	letter = byte(strings.ToLower(string(letter))[0])
	code := letter - 'a' + 1
	return d.DispatchWrite([]byte{code})
}

// ResetPrompt re-sends the init string; the remote shell's next prompt
// re-triggers the already-registered continuous callback.
func (d *Dispatcher) ResetPrompt() error {
	return d.DispatchWrite(d.initString)
}

// Rename requests a display-name change. An empty newName resets to the
// original hostname immediately; otherwise a one-shot callback is
// registered and an echo command asks the remote shell to expand
// newName, and change_name is invoked once the expansion round-trips
// through the callback channel.
func (d *Dispatcher) Rename(newName string) error {
	if newName == "" {
		d.changeName(d.Hostname)
		return nil
	}

	prefixHalf, suffixHalf, err := d.registry.Add(d.ownerKey(), func(payload string) {
		d.changeName(strings.TrimRight(payload, "\r\n"))
	}, false)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf("/bin/echo \"%s\"\"%s\"%s\n", prefixHalf, suffixHalf, newName)
	return d.DispatchWrite([]byte(cmd))
}

func (d *Dispatcher) changeName(newName string) {
	if newName == d.displayName {
		return
	}
	old := d.displayName
	d.displayName = newName
	if d.onNameChange != nil {
		d.onNameChange(d, old)
	}
}

// DisplayName reports the dispatcher's current display name.
func (d *Dispatcher) DisplayName() string { return d.displayName }

// State reports the dispatcher's current lifecycle state.
func (d *Dispatcher) State() State { return d.state }

// Active reports dispatcher liveness. Once false, it never becomes true
// again on the same entity.
func (d *Dispatcher) Active() bool { return d.active }

// Enabled reports operator intent, orthogonal to Active.
func (d *Dispatcher) Enabled() bool { return d.enabled }

// SetEnabled toggles operator intent while the dispatcher remains active.
func (d *Dispatcher) SetEnabled(enabled bool) {
	if !d.active {
		return
	}
	d.enabled = enabled
}

// SetDebug toggles per-line trace output.
func (d *Dispatcher) SetDebug(debug bool) { d.debug = debug }

// Debug reports whether per-line trace output is enabled.
func (d *Dispatcher) Debug() bool { return d.debug }

func (d *Dispatcher) handleIOFailure(err error) {
	if d.state == NotStarted && d.abortError {
		fmt.Fprintf(d.diag, "%s: fatal i/o failure during startup: %v\n", d.displayName, err)
	} else {
		slog.Warn("dispatcher i/o failure", "host", d.displayName, "error", err)
	}
	d.disconnect(err)
}

// Disconnect is idempotent: it replays any buffered pre-prompt startup
// output, kills the transport child, marks the dispatcher permanently
// dead, drops both buffers, and purges any outstanding callback triggers
// this dispatcher owns.
func (d *Dispatcher) Disconnect() {
	d.disconnect(nil)
}

// disconnect is Disconnect's implementation, parameterized on the error
// (if any) that caused it so it can be forwarded to onFatal. A disconnect
// that happens before the dispatcher ever left NotStarted with
// AbortError set escalates to onFatal, matching the fatal-exit behavior
// of an I/O failure during startup.
func (d *Dispatcher) disconnect(err error) {
	if !d.active {
		return
	}
	priorState := d.state
	if priorState == NotStarted && len(d.startupBuffer) > 0 {
		d.printLines(string(d.startupBuffer))
	}
	d.startupBuffer = nil
	d.active = false
	d.enabled = false
	d.state = Terminated
	d.endpoint.Reset()
	d.registry.Purge(d.ownerKey())
	d.killTransport()
	if d.onDisconnect != nil {
		d.onDisconnect(d)
	}
	if priorState == NotStarted && d.abortError && d.onFatal != nil {
		if err == nil {
			err = fmt.Errorf("engine: %s: disconnected before startup completed", d.displayName)
		}
		d.onFatal(err)
	}
}

// killTransport signals the transport child and confirms with gopsutil
// that the pid has actually gone away before releasing it.
func (d *Dispatcher) killTransport() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	pid := d.cmd.Process.Pid
	_ = d.cmd.Process.Kill()
	d.cmd.Process.Wait()
	if exists, err := process.PidExists(int32(pid)); err == nil && exists {
		slog.Warn("dispatcher transport still running after kill", "host", d.displayName, "pid", pid)
	}
	d.transportPID = 0
}

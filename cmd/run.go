//go:build unix

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gsh-mux/gsh/internal/config"
	"github.com/gsh-mux/gsh/internal/engine"
	"github.com/gsh-mux/gsh/internal/history"
	"github.com/gsh-mux/gsh/internal/keyring"
)

// NewRunCommand is the primary entry point: it owns the C5 event loop and
// the controlling terminal for the duration of the session.
func NewRunCommand() *cobra.Command {
	var hidePassword bool

	runCmd := &cobra.Command{
		Use:   "run [host|group ...]",
		Short: "Start an interactive multiplexed shell session",
		Long:  `Spawns one remote shell per host (or per host in a named group, or the default group with no arguments) and fans typed commands out to all of them, aggregating their output into one prefixed stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(args, hidePassword)
		},
	}
	runCmd.Flags().BoolVar(&hidePassword, "hide-password", false,
		"pull transport passwords from the keyring via SSH_ASKPASS instead of prompting on each pty")
	return runCmd
}

func runSession(args []string, hidePassword bool) error {
	cfg := config.Config
	hosts, err := cfg.ResolveHosts(args)
	if err != nil {
		return err
	}

	registry, err := engine.NewRegistry()
	if err != nil {
		return fmt.Errorf("build callback registry: %w", err)
	}

	historyPath := history.DefaultPath(cfg.ConfigPath)
	db, err := history.Open(historyPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer db.Close()

	sessionID := uuid.New().String()
	if err := db.BeginSession(sessionID, cfg.TransportCmd, len(hosts)); err != nil {
		slog.Warn("history: begin session", "error", err)
	}

	s := &session{
		cfg:          cfg,
		registry:     registry,
		dispatchers:  engine.NewDispatcherSet(),
		loop:         engine.NewLoop(),
		historyDB:    db,
		sessionID:    sessionID,
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		hidePassword: hidePassword,
	}
	s.stdin = newStdinSource(s.stdout, s.handleLine)

	fmt.Fprintf(s.stderr, "gsh: %d host(s), transport %q\n", len(hosts), cfg.TransportCmd)
	for _, h := range hosts {
		if _, err := s.newDispatcher(h, h, true, false); err != nil {
			fmt.Fprintf(s.stderr, "gsh: %s: %v\n", h, err)
		}
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	return s.run()
}

// session is the top-level owner of one "gsh run" invocation: the
// callback registry (C2), the dispatcher set (C4), the event loop (C5),
// and the session's audit log.
type session struct {
	cfg         *config.Configuration
	registry    *engine.Registry
	dispatchers *engine.DispatcherSet
	loop        *engine.Loop
	historyDB   *history.DB
	sessionID   string

	stdout io.Writer
	stderr io.Writer
	stdin  *stdinSource

	hidePassword bool

	// hidePendingHost is set by ":hide_password host" for exactly the next
	// typed line, which is stored in the keyring instead of being
	// broadcast or interpreted as a control command.
	hidePendingHost string

	quit bool
}

// run drives the event loop until :quit or a fatal I/O failure.
func (s *session) run() error {
	for !s.quit {
		if _, err := s.loop.Step(s.cfg.Engine.PollTimeout, s.sources()); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) sources() []engine.PollSource {
	all := s.dispatchers.AllInstances()
	out := make([]engine.PollSource, 0, len(all)+1)
	out = append(out, s.stdin)
	for _, d := range all {
		if d.Active() {
			out = append(out, d)
		}
	}
	return out
}

// historyWriter counts completed lines written through it and records
// them against a host's tally, composing around the dispatcher's
// prefixed-output writer.
type historyWriter struct {
	host      string
	out       io.Writer
	db        *history.DB
	sessionID string
}

func (w *historyWriter) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)
	if n > 0 {
		if lines := bytes.Count(p[:n], []byte("\n")); lines > 0 {
			if e := w.db.RecordLines(w.sessionID, w.host, lines); e != nil {
				slog.Warn("history: record lines", "error", e)
			}
		}
	}
	return n, err
}

// newDispatcher spawns a transport, registers it with the dispatcher set,
// and wires its history/logging hooks. Used both for the initial host
// list and for :add/:reconnect/:replicate.
func (s *session) newDispatcher(hostname, displayName string, interactive, debug bool) (*engine.Dispatcher, error) {
	name := s.dispatchers.MakeUniqueName(displayName)
	opts := engine.Options{
		Interactive:       interactive,
		AbortError:        s.cfg.Engine.AbortOnError,
		Debug:             debug,
		HidePassword:      s.hidePassword,
		ReadBufferCeiling: s.cfg.Engine.ReadBufferCeiling,
		Out:               &historyWriter{host: name, out: s.stdout, db: s.historyDB, sessionID: s.sessionID},
		Diag:              s.stderr,
		WidthFn:           func() int { return s.dispatchers.MaxDisplayNameLength(interactive) },
		OnNameChange: func(d *engine.Dispatcher, old string) {
			fmt.Fprintf(s.stderr, "%s: renamed to %s\n", old, d.DisplayName())
		},
		OnDisconnect: func(d *engine.Dispatcher) {
			fmt.Fprintf(s.stderr, "%s: disconnected\n", d.DisplayName())
			if err := s.historyDB.LogHostEvent(s.sessionID, d.DisplayName(), "disconnected", ""); err != nil {
				slog.Warn("history: log disconnect", "error", err)
			}
		},
		OnFatal: func(err error) {
			if errors.Is(err, engine.ErrHostKeyChanged) {
				fmt.Fprintf(s.stderr, "gsh: fatal: %s: host key rejected, aborting (abort_on_error)\n", name)
			} else {
				fmt.Fprintf(s.stderr, "gsh: fatal: %v\n", err)
			}
			s.quit = true
		},
	}

	d, err := engine.NewDispatcher(hostname, name, s.cfg.TransportCmd, s.registry, opts)
	if err != nil {
		return nil, err
	}
	s.dispatchers.Add(d)
	if err := s.historyDB.LogHostEvent(s.sessionID, name, "connected", ""); err != nil {
		slog.Warn("history: log connect", "error", err)
	}
	return d, nil
}

// selectShells implements the "* ? []" shell-selection mini-language
// shared by most control commands: no patterns means every dispatcher,
// otherwise each pattern is matched against display names with
// path.Match, in dispatcher insertion order and without duplicates.
func selectShells(set *engine.DispatcherSet, patterns []string) []*engine.Dispatcher {
	all := set.AllInstances()
	if len(patterns) == 0 {
		return all
	}
	seen := make(map[*engine.Dispatcher]bool, len(all))
	var out []*engine.Dispatcher
	for _, d := range all {
		for _, p := range patterns {
			if matched, _ := path.Match(p, d.DisplayName()); matched {
				if !seen[d] {
					seen[d] = true
					out = append(out, d)
				}
				break
			}
		}
	}
	return out
}

// handleLine is the single dispatch point for every completed line read
// from stdin: a pending hide_password capture, a ":command", or a line
// broadcast verbatim to every enabled shell.
func (s *session) handleLine(line string) {
	if s.hidePendingHost != "" {
		host := s.hidePendingHost
		s.hidePendingHost = ""
		if err := keyring.SetPassword(host, line); err != nil {
			fmt.Fprintf(s.stderr, "hide_password: store password for %s: %v\n", host, err)
		}
		return
	}

	if strings.HasPrefix(line, ":") {
		s.runControl(strings.TrimPrefix(line, ":"))
		return
	}

	s.broadcast(line)
}

func (s *session) broadcast(line string) {
	for _, d := range s.dispatchers.AllInstances() {
		if !d.Enabled() {
			continue
		}
		if err := d.DispatchCommand([]byte(line + "\n")); err != nil {
			continue
		}
		if err := s.historyDB.RecordCommand(s.sessionID, d.DisplayName()); err != nil {
			slog.Warn("history: record command", "error", err)
		}
	}
}

func splitCommand(s string) (name, rest string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func (s *session) runControl(cmdline string) {
	name, rest := splitCommand(cmdline)
	switch name {
	case "list":
		s.cmdList(rest)
	case "quit":
		s.quit = true
	case "chdir":
		s.cmdChdir(rest)
	case "send_ctrl":
		s.cmdSendCtrl(rest)
	case "reset_prompt":
		for _, d := range selectShells(s.dispatchers, strings.Fields(rest)) {
			if d.Enabled() {
				d.ResetPrompt()
			}
		}
	case "enable":
		for _, d := range selectShells(s.dispatchers, strings.Fields(rest)) {
			d.SetEnabled(true)
		}
	case "disable":
		for _, d := range selectShells(s.dispatchers, strings.Fields(rest)) {
			d.SetEnabled(false)
		}
	case "reconnect":
		s.cmdReconnect(rest)
	case "add":
		s.cmdAdd(rest)
	case "purge":
		s.cmdPurge(rest)
	case "rename":
		s.cmdRename(rest)
	case "hide_password":
		s.cmdHidePassword(rest)
	case "set_debug":
		s.cmdSetDebug(rest)
	case "replicate":
		s.cmdReplicate(rest)
	case "export_rank":
		s.cmdExportRank(rest)
	case "":
		return
	default:
		fmt.Fprintf(s.stderr, "unknown control command: %s\n", name)
	}
}

func (s *session) cmdList(rest string) {
	selected := selectShells(s.dispatchers, strings.Fields(rest))
	nrActive, nrDead := 0, 0
	for _, d := range selected {
		if d.Active() {
			nrActive++
		} else {
			nrDead++
		}
		fmt.Fprintf(s.stdout, "%-20s %-20s state=%-10s enabled=%-5t debug=%t\n",
			d.DisplayName(), d.Hostname, d.State(), d.Enabled(), d.Debug())
	}
	fmt.Fprintf(s.stdout, "\n%d active shells, %d dead shells, total: %d\n",
		nrActive, nrDead, nrActive+nrDead)
}

func (s *session) cmdChdir(rest string) {
	target := strings.TrimSpace(rest)
	if target == "" {
		return
	}
	if strings.HasPrefix(target, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			target = home + strings.TrimPrefix(target, "~")
		}
	}
	if err := os.Chdir(target); err != nil {
		fmt.Fprintln(s.stderr, err)
	}
}

func (s *session) cmdSendCtrl(rest string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		fmt.Fprintln(s.stderr, "usage: :send_ctrl LETTER [shells...]")
		return
	}
	letter := fields[0]
	if len(letter) != 1 {
		fmt.Fprintf(s.stderr, "expected a single letter, got: %s\n", letter)
		return
	}
	for _, d := range selectShells(s.dispatchers, fields[1:]) {
		if d.Enabled() {
			d.SendControl(letter[0])
		}
	}
}

func (s *session) cmdReconnect(rest string) {
	for _, d := range selectShells(s.dispatchers, strings.Fields(rest)) {
		if d.Active() {
			continue
		}
		hostname, name, debug := d.Hostname, d.DisplayName(), d.Debug()
		s.dispatchers.Remove(d)
		if _, err := s.newDispatcher(hostname, name, true, debug); err != nil {
			fmt.Fprintf(s.stderr, "reconnect %s: %v\n", hostname, err)
		}
	}
}

func (s *session) cmdAdd(rest string) {
	for _, host := range strings.Fields(rest) {
		if _, err := s.newDispatcher(host, host, true, false); err != nil {
			fmt.Fprintf(s.stderr, "add %s: %v\n", host, err)
		}
	}
}

func (s *session) cmdPurge(rest string) {
	for _, d := range selectShells(s.dispatchers, strings.Fields(rest)) {
		if !d.Enabled() {
			d.Disconnect()
			s.dispatchers.Remove(d)
		}
	}
}

func (s *session) cmdRename(rest string) {
	newName := strings.TrimSpace(rest)
	for _, d := range s.dispatchers.AllInstances() {
		if d.Enabled() {
			if err := d.Rename(newName); err != nil {
				fmt.Fprintf(s.stderr, "rename %s: %v\n", d.DisplayName(), err)
			}
		}
	}
}

// cmdHidePassword suppresses local echo of the next typed line and
// disables debug tracing so a password never hits the log, and, with an
// optional host argument, persists that next line into the keyring for
// HidePassword/SSH_ASKPASS use on future reconnects.
func (s *session) cmdHidePassword(rest string) {
	warned := false
	for _, d := range s.dispatchers.AllInstances() {
		if d.Enabled() && d.Debug() {
			d.SetDebug(false)
			if !warned {
				fmt.Fprintln(s.stderr, "debugging disabled to avoid displaying passwords")
				warned = true
			}
		}
	}
	s.hidePendingHost = strings.TrimSpace(rest)
	s.stdin.suppressNextEcho()
}

func (s *session) cmdSetDebug(rest string) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		fmt.Fprintln(s.stderr, "usage: :set_debug y|n [shells...]")
		return
	}
	switch strings.ToLower(fields[0]) {
	case "y":
		for _, d := range selectShells(s.dispatchers, fields[1:]) {
			d.SetDebug(true)
		}
	case "n":
		for _, d := range selectShells(s.dispatchers, fields[1:]) {
			d.SetDebug(false)
		}
	default:
		fmt.Fprintf(s.stderr, "expected 'y' or 'n', got: %s\n", fields[0])
	}
}

// cmdReplicate duplicates an existing dispatcher's transport configuration
// onto a new host.
func (s *session) cmdReplicate(rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		fmt.Fprintln(s.stderr, "usage: :replicate TEMPLATE_SHELL NEW_HOST")
		return
	}
	templateName, newHost := fields[0], fields[1]

	template, err := s.dispatchers.ByName(templateName)
	if err != nil {
		fmt.Fprintf(s.stderr, "replicate: %v\n", err)
		return
	}

	spawn := func(hostname, displayName string, interactive, debug bool) (*engine.Dispatcher, error) {
		return s.newDispatcher(hostname, displayName, interactive, debug)
	}
	if _, err := s.dispatchers.Replicate(template, newHost, spawn); err != nil {
		fmt.Fprintf(s.stderr, "replicate: %v\n", err)
	}
}

func (s *session) cmdExportRank(rest string) {
	target := strings.TrimSpace(rest)
	if target == "" {
		target = "gsh_rank"
	}
	if err := s.dispatchers.ExportRank(target); err != nil {
		fmt.Fprintln(s.stderr, err)
	}
}

// stdinSource is the operator's keyboard as a PollSource: the controlling
// terminal is put into raw mode for the session, so gsh must echo typed
// bytes itself (every remote pty runs with ECHO disabled) and do its own
// line splitting on '\r' or '\n', since raw mode also disables the
// kernel's CR/NL translation.
type stdinSource struct {
	buf    []byte
	echo   bool
	out    io.Writer
	onLine func(string)
}

func newStdinSource(out io.Writer, onLine func(string)) *stdinSource {
	return &stdinSource{echo: true, out: out, onLine: onLine}
}

func (s *stdinSource) Fd() int            { return int(os.Stdin.Fd()) }
func (s *stdinSource) Readable() bool     { return true }
func (s *stdinSource) Writable() bool     { return false }
func (s *stdinSource) HandleWrite() error { return nil }
func (s *stdinSource) suppressNextEcho()  { s.echo = false }

func (s *stdinSource) HandleRead() error {
	chunk := make([]byte, 4096)
	n, err := os.Stdin.Read(chunk)
	if n > 0 {
		chunk = chunk[:n]
		if s.echo {
			s.out.Write(chunk)
		}
		s.buf = append(s.buf, chunk...)
		for {
			idx := bytes.IndexAny(s.buf, "\r\n")
			if idx < 0 {
				break
			}
			line := string(s.buf[:idx])
			s.buf = s.buf[idx+1:]
			s.echo = true
			s.onLine(line)
		}
	}
	return err
}

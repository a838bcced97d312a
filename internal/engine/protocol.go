package engine

import "strings"

// buildInitString is the literal byte sequence sent once at startup to
// configure the remote tty and install the readiness prompt. The
// double-quoted adjacent-string form around the trigger halves is
// essential: it stops the remote shell from treating the marker as a
// single rewritable token while still concatenating both halves in the
// output stream.
func buildInitString(prefixHalf, suffixHalf string) []byte {
	lines := []string{
		"unsetopt zle 2> /dev/null;stty -echo -onlcr;",
		"RPS1=;RPROMPT=;TERM=ansi;unset HISTFILE;",
		strings.TrimSuffix(string(buildPS1Line(prefixHalf, suffixHalf)), "\n"),
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// buildPS1Line is a standalone PS1 redefinition, the same adjacent-quoted
// form buildInitString uses, for re-marking the prompt mid-session (e.g.
// the one-shot boundary marker a non-interactive dispatcher installs
// right before dispatching its pending command).
func buildPS1Line(prefixHalf, suffixHalf string) []byte {
	return []byte("PS1=\"" + prefixHalf + "\"\"" + suffixHalf + "\\n\"\n")
}

package keyring

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// PromptPassword reads a password for host from the controlling terminal
// with echo disabled.
func PromptPassword(host string) (string, error) {
	fmt.Fprintf(os.Stderr, "password for %s: ", host)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// PromptAndConfirmPassword prompts twice and requires both entries to match,
// used by "gsh password set" when storing a password.
func PromptAndConfirmPassword(host string) (string, error) {
	first, err := PromptPassword(host)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "confirm password for %s: ", host)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password confirmation: %w", err)
	}
	if second := string(b); first != second {
		return "", fmt.Errorf("passwords do not match")
	}
	return first, nil
}

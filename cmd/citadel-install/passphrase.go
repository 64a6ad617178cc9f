package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// readPassphrase prompts twice and requires the two entries to match,
// matching `read_passphrase`'s confirm-and-retry loop in the original
// CLI. Typed input is never echoed, via golang.org/x/term.ReadPassword.
func readPassphrase(prompt string) (string, error) {
	for {
		fmt.Fprintln(os.Stderr, prompt)
		first, err := readHiddenLine("  Passphrase : ")
		if err != nil {
			return "", err
		}
		if first == "" {
			fmt.Fprintln(os.Stderr, "Passphrase cannot be empty")
			continue
		}
		second, err := readHiddenLine("  Confirm    : ")
		if err != nil {
			return "", err
		}
		if first != second {
			fmt.Fprintln(os.Stderr, "Passphrases do not match")
			continue
		}
		return first, nil
	}
}

func readHiddenLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(b), nil
	}

	// Non-interactive stdin (piped input in scripted installs/tests):
	// fall back to a plain line read rather than failing outright.
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

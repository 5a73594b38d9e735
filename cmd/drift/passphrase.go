package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// readPassphrase takes the blob passphrase from DRIFT_PASSPHRASE or, on
// an interactive terminal, prompts without echo.
func readPassphrase() ([]byte, error) {
	if v := os.Getenv("DRIFT_PASSPHRASE"); v != "" {
		return []byte(v), nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("encryption enabled: set DRIFT_PASSPHRASE or run interactively")
	}
	fmt.Fprint(os.Stderr, "passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("empty passphrase")
	}
	return pass, nil
}

package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// maxPasswordLength bounds what askPassword accepts.
const maxPasswordLength = 65536

// askPassword reads a password from the terminal without echoing it.
func askPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no password configured and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to set terminal to raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, oldState)
		fmt.Fprintln(os.Stderr)
	}()

	var password []byte
	buffer := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buffer)
		if err != nil {
			return nil, fmt.Errorf("error reading password: %w", err)
		}
		if n > 0 && (buffer[n-1] == '\r' || buffer[n-1] == '\n') {
			password = append(password, buffer[:n-1]...)
			break
		}
		password = append(password, buffer[:n]...)
		if len(password) > maxPasswordLength {
			return nil, errors.New("password too long")
		}
	}
	return password, nil
}

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var errPasswordEmpty = errors.New("password cannot be empty")

// readAllTrimmed reads a single line from r, stripping a trailing newline.
// Used for --password-stdin.
func readAllTrimmed(r io.Reader) (string, error) {
	reader := bufio.NewReader(r)

	pw, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	pw = strings.TrimSuffix(pw, "\n")
	pw = strings.TrimSuffix(pw, "\r")

	return pw, nil
}

// isTerminal reports whether fd 0 (stdin) is an interactive terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readPasswordSecure prompts on errOut and reads a password from stdin
// without echoing it, falling back to a plain line read when stdin is not a
// terminal (e.g. under test or when piped).
func readPasswordSecure(errOut io.Writer, prompt string) (string, error) {
	fmt.Fprint(errOut, prompt) //nolint:errcheck

	if !isTerminal() {
		return readAllTrimmed(os.Stdin)
	}

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(errOut) //nolint:errcheck

	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return string(pw), nil
}

// resolvePassword returns the passphrase to use for a command, honoring
// (in order): an explicit --password value, --password-stdin, and finally
// an interactive hidden prompt.
func resolvePassword(o *IO, flagValue string, fromStdin bool) ([]byte, error) {
	if flagValue != "" {
		return []byte(flagValue), nil
	}

	if fromStdin {
		pw, err := readAllTrimmed(os.Stdin)
		if err != nil {
			return nil, err
		}

		if pw == "" {
			return nil, errPasswordEmpty
		}

		return []byte(pw), nil
	}

	pw, err := readPasswordSecure(o.errOut, "Password: ")
	if err != nil {
		return nil, err
	}

	if pw == "" {
		return nil, errPasswordEmpty
	}

	return []byte(pw), nil
}

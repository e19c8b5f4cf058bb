// ABOUTME: Prompted input for the CLI; secrets are read without echo when stdin is a terminal
// ABOUTME: Piped input falls back to plain line reads so scripts can feed passwords and codes

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// console reads prompted answers from in and writes prompts to stderr.
type console struct {
	in     *os.File
	reader *bufio.Reader
}

func newConsole(in *os.File) *console {
	return &console{in: in, reader: bufio.NewReader(in)}
}

// secret prompts for a value that must not be echoed.
func (c *console) secret(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	fd := int(c.in.Fd())
	if !term.IsTerminal(fd) {
		return readLine(c.reader)
	}
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// line prompts for a value that may be echoed.
func (c *console) line(label string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", label)
	return readLine(c.reader)
}

// readLine returns the next line without its terminator. A final line without
// a newline is returned as is; an empty read at EOF is an error.
func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errors.New("no input")
		}
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

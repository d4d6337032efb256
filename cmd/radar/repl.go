package main

import (
	"bufio"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

const exitCommand = "exit"

// runREPL forwards each non-empty line of r to send. It returns true when
// the exit command was read and false at end of input.
func runREPL(r io.Reader, send func(string) error, log zerolog.Logger) (bool, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case exitCommand:
			return true, nil
		}
		if err := send(line); err != nil {
			log.Error().Err(err).Str("command", line).Msg("failed to send command")
		}
	}
	return false, scanner.Err()
}

// readProfile returns the commands of a sensor profile. Blank lines and lines
// starting with % are skipped.
func readProfile(r io.Reader) ([]string, error) {
	var commands []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		commands = append(commands, line)
	}
	return commands, scanner.Err()
}

// Package setup implements the interactive first-run wizard that picks a
// storage provider, checks the credentials, writes the config file and
// optionally installs flatsync as a background service.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter provides terminal prompts backed by an io.Reader/Writer pair.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

// line prints the prompt and reads one trimmed answer; ok is false on EOF.
func (p *Prompter) line(prompt string) (answer string, ok bool) {
	p.printf("  %s: ", prompt)
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String prompts for a text value. An empty answer selects defaultVal; with
// no default the prompt repeats until something is typed. EOF returns
// defaultVal.
func (p *Prompter) String(label, defaultVal string) string {
	prompt := label
	if defaultVal != "" {
		prompt = fmt.Sprintf("%s [%s]", label, defaultVal)
	}
	for {
		val, ok := p.line(prompt)
		switch {
		case !ok:
			return defaultVal
		case val != "":
			return val
		case defaultVal != "":
			return defaultVal
		}
		p.printf("  (required, please enter a value)\n")
	}
}

// Secret prompts for a required sensitive value such as an access token. The
// value is not masked. EOF returns "".
func (p *Prompter) Secret(label string) string {
	return p.String(label, "")
}

// Duration prompts for a Go duration between lo and hi, repeating on bad
// input. EOF returns defaultVal.
func (p *Prompter) Duration(label string, defaultVal, lo, hi time.Duration) time.Duration {
	prompt := fmt.Sprintf("%s (%s-%s) [%s]", label, lo, hi, defaultVal)
	for {
		val, ok := p.line(prompt)
		if !ok || val == "" {
			return defaultVal
		}
		d, err := time.ParseDuration(val)
		if err == nil && d >= lo && d <= hi {
			return d
		}
		p.printf("  (enter a duration between %s and %s, e.g. 45s or 2m)\n", lo, hi)
	}
}

// Confirm asks a yes/no question. defaultYes is the answer for an empty line
// or EOF.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	answer, ok := p.line(label + " " + hint)
	if !ok || answer == "" {
		return defaultYes
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	}
	return false
}

// Select presents a numbered list and returns the zero-based index of the
// chosen option.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}

	p.printf("  %s:\n", label)
	for i, opt := range options {
		p.printf("    %d) %s\n", i+1, opt)
	}

	for {
		val, ok := p.line(fmt.Sprintf("Choice [1-%d]", len(options)))
		if !ok {
			return -1, fmt.Errorf("no input")
		}
		if n, err := strconv.Atoi(val); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.printf("  (enter a number between 1 and %d)\n", len(options))
	}
}

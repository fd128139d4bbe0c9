package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const (
	ansiReset = "\033[0m"
	ansiRed   = "\033[91m"
	ansiCyan  = "\033[96m"
	ansiBold  = "\033[1m"
)

// Console is the terminal sink used by the run command.
type Console struct {
	in    *bufio.Reader
	out   io.Writer
	fd    int
	color bool

	mu sync.Mutex
}

// NewConsole reads answers from in and writes to out. When in is a
// terminal, secret answers are read without echo.
func NewConsole(in io.Reader, out io.Writer) *Console {
	c := &Console{in: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.fd = int(f.Fd())
	}
	if f, ok := out.(*os.File); ok {
		c.color = term.IsTerminal(int(f.Fd()))
	}
	return c
}

// Stdio is the console on the process's standard streams.
func Stdio() *Console {
	return NewConsole(os.Stdin, os.Stdout)
}

func (c *Console) Write(ctx context.Context, content string, kind Kind, status int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, c.render(content, kind, status))
	return err
}

func (c *Console) render(content string, kind Kind, status int) string {
	switch kind {
	case KindError:
		msg := content
		if status > 0 {
			msg = fmt.Sprintf("[%d] %s", status, content)
		}
		return c.paint(ansiRed, msg)
	case KindJSON:
		var v any
		if err := json.Unmarshal([]byte(content), &v); err == nil {
			if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
				return string(pretty)
			}
		}
	case KindHTML:
		return strings.TrimSpace(htmlPolicy.Sanitize(content))
	}
	return content
}

func (c *Console) paint(code, s string) string {
	if !c.color {
		return s
	}
	return code + s + ansiReset
}

// Ask prints text and reads one line. It returns early with ctx's error
// when ctx is done; the pending read is abandoned.
func (c *Console) Ask(ctx context.Context, text string, kind Kind, status int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprint(c.out, c.paint(ansiBold+ansiCyan, text)+" ")

	type answer struct {
		text string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		if kind == KindSecret && c.fd >= 0 {
			b, err := term.ReadPassword(c.fd)
			fmt.Fprintln(c.out)
			done <- answer{string(b), err}
			return
		}
		line, err := c.in.ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		done <- answer{strings.TrimRight(line, "\r\n"), err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			return "", fmt.Errorf("read answer: %w", a.err)
		}
		return a.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

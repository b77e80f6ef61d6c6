// Package prompt provides permission.PromptHandler implementations for the
// host: an interactive terminal prompter and fixed answers for unattended runs.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"warden/internal/permission"
)

// Terminal asks on a line-oriented terminal. Requests are serialized; one
// reader goroutine is started on first use and lives as long as the input.
type Terminal struct {
	in  io.Reader
	out io.Writer

	mu    sync.Mutex // one prompt at a time
	once  sync.Once
	lines chan string
	rerr  error
}

func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out}
}

// IsInteractive reports whether input is a character device.
func (t *Terminal) IsInteractive() bool {
	f, ok := t.in.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}

func (t *Terminal) start() {
	t.lines = make(chan string)
	go func() {
		sc := bufio.NewScanner(t.in)
		for sc.Scan() {
			t.lines <- sc.Text()
		}
		t.rerr = sc.Err()
		close(t.lines)
	}()
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.once.Do(t.start)
	select {
	case l, ok := <-t.lines:
		if !ok {
			if t.rerr != nil {
				return "", t.rerr
			}
			return "", io.EOF
		}
		return strings.ToLower(strings.TrimSpace(l)), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Terminal) Prompt(ctx context.Context, req permission.Request) (permission.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	name := req.PluginName
	if name == "" {
		name = req.PluginID
	}
	fmt.Fprintf(t.out, "Plugin %q requests:\n", name)
	if req.Reason != "" {
		fmt.Fprintf(t.out, "  (%s)\n", req.Reason)
	}
	for _, it := range req.Items {
		fmt.Fprintf(t.out, "  - [%s] %s", it.Risk, it.Capability)
		if it.Reason != "" {
			fmt.Fprintf(t.out, ": %s", it.Reason)
		}
		fmt.Fprintln(t.out)
	}
	if !req.Deadline.IsZero() {
		fmt.Fprintf(t.out, "Answer within %s.\n", time.Until(req.Deadline).Round(time.Second))
	}
	fmt.Fprint(t.out, "Grant? [y]es / [n]o / [e]ach: ")

	ans, err := t.readLine(ctx)
	if err != nil {
		return permission.Response{}, err
	}
	switch ans {
	case "y", "yes":
		return permission.Response{Outcome: permission.Allowed}, nil
	case "e", "each":
		return t.each(ctx, req.Items)
	default:
		return permission.Response{Outcome: permission.Denied}, nil
	}
}

func (t *Terminal) each(ctx context.Context, items []permission.PromptItem) (permission.Response, error) {
	var allowed []permission.Capability
	for _, it := range items {
		fmt.Fprintf(t.out, "Allow %s? [y/n]: ", it.Capability)
		ans, err := t.readLine(ctx)
		if err != nil {
			return permission.Response{}, err
		}
		if ans == "y" || ans == "yes" {
			allowed = append(allowed, it.Capability)
		}
	}
	switch len(allowed) {
	case 0:
		return permission.Response{Outcome: permission.Denied}, nil
	case len(items):
		return permission.Response{Outcome: permission.Allowed}, nil
	default:
		return permission.Response{Outcome: permission.Partial, Allowed: allowed}, nil
	}
}

package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MrWong99/jarvis/internal/live"
)

// errQuit ends Run without reporting an error.
var errQuit = errors.New("app: quit")

// Console is the terminal driver: an empty line toggles the link, "q" quits,
// and every state change is printed as one line.
type Console struct {
	in  io.Reader
	out io.Writer
}

func (c *Console) run(ctx context.Context, ctrl *live.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	changes, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	fmt.Fprintln(c.out, "JARVIS console: press Enter to toggle the link, q to quit.")
	var last consoleView
	c.print(&last, ctrl.Snapshot())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			c.print(&last, ctrl.Snapshot())
		case line, ok := <-lines:
			if !ok {
				// Input closed; keep serving the other surfaces.
				lines = nil
				continue
			}
			switch line {
			case "":
				if err := ctrl.Toggle(ctx); err != nil && !errors.Is(err, context.Canceled) {
					fmt.Fprintf(c.out, "!! %v\n", err)
				}
			case "q", "quit", "exit":
				ctrl.Teardown()
				return errQuit
			default:
				fmt.Fprintf(c.out, "unknown command %q\n", line)
			}
		}
	}
}

// consoleView is the part of the snapshot the console reports.
type consoleView struct {
	state    live.State
	speaking bool
	lastErr  string
	printed  bool
}

func (c *Console) print(last *consoleView, snap live.Snapshot) {
	v := consoleView{state: snap.State, speaking: snap.Speaking, lastErr: snap.LastError, printed: true}
	if v == *last {
		return
	}
	line := "[" + v.state.String() + "]"
	if v.speaking {
		line += " speaking"
	}
	if v.lastErr != "" && v.lastErr != last.lastErr {
		line += " error: " + v.lastErr
	}
	fmt.Fprintln(c.out, line)
	*last = v
}

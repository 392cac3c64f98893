package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Gate decides whether another telemetry cycle runs
type Gate interface {
	Next(ctx context.Context) bool
}

// LineGate asks an operator. Any line but "exit" runs another cycle, "exit" or the end
// of input stops.
//
// A single goroutine reads the input, so a line typed while nobody waits is kept for
// the next call.
type LineGate struct {
	in  io.Reader
	out io.Writer

	start sync.Once
	lines chan string
	// err is the read error, valid once lines is closed
	err error
}

// NewLineGate returns a gate reading from in and prompting on out
func NewLineGate(in io.Reader, out io.Writer) *LineGate {
	return &LineGate{in: in, out: out, lines: make(chan string)}
}

func (g *LineGate) read() {
	r := bufio.NewReader(g.in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			g.lines <- line
		}
		if err != nil {
			g.err = err
			close(g.lines)
			return
		}
	}
}

// line waits for the next input line. ok is false at the end of input.
func (g *LineGate) line(ctx context.Context) (line string, ok bool, err error) {
	g.start.Do(func() { go g.read() })
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case line, ok := <-g.lines:
		return line, ok, nil
	}
}

// Next prompts and blocks until a line was read or ctx is cancelled
func (g *LineGate) Next(ctx context.Context) bool {
	fmt.Fprintln(g.out, "Press ENTER to send or type 'exit' to quit.")

	line, ok, err := g.line(ctx)
	if err != nil || !ok {
		return false
	}
	if strings.TrimSpace(line) == "exit" {
		fmt.Fprintln(g.out, "Okay, we'll stop the loop.")
		return false
	}
	return true
}

// Pause prompts and blocks until a line was read. It fails if ctx is cancelled or the
// input ends first.
func (g *LineGate) Pause(ctx context.Context) error {
	fmt.Fprintln(g.out, "Press ENTER to exit.")

	_, ok, err := g.line(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("waiting for ENTER: %w", g.err)
	}
	return nil
}

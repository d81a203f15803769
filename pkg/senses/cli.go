package senses

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/alphonse-agent/nerve/pkg/bus"
	"github.com/alphonse-agent/nerve/pkg/models"
)

// CLIKey is the catalog key of the stdin sense.
const CLIKey = "cli"

// CLI reads lines from a local terminal and publishes each as a durable
// cli.message_received signal. Meant for development and headless boxes
// with an attached console; disabled by default.
type CLI struct {
	in     io.Reader
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCLI creates the stdin sense. in may be nil, in which case os.Stdin
// is read; tests pass a strings.Reader.
func NewCLI(in io.Reader, logger *slog.Logger) *CLI {
	if in == nil {
		in = os.Stdin
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{
		in:     in,
		logger: logger.With("component", "senses", "sense", CLIKey),
	}
}

func (c *CLI) Key() string { return CLIKey }

func (c *CLI) Signals() []string {
	return []string{models.SignalCLIMessageReceived}
}

// Start spawns the reader goroutine. It returns immediately; the
// goroutine runs until ctx is cancelled, Stop is called, or the input
// reaches EOF.
func (c *CLI) Start(ctx context.Context, pub bus.Publisher) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return nil // already running
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, pub, c.done)
	return nil
}

// Stop cancels the reader and waits for it to exit. A blocked stdin read
// cannot be interrupted, so Stop only waits for acknowledgment once the
// current read returns; with a closed or exhausted input it returns
// promptly.
func (c *CLI) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *CLI) run(ctx context.Context, pub bus.Publisher, done chan struct{}) {
	defer close(done)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn("stdin read failed", "error", err)
		}
	}()

	var lastLine string
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				c.logger.Info("stdin closed, sense exiting")
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			// Source-side dedupe: a held enter key or a doubled paste
			// should not produce two identical signals back to back.
			if text == lastLine {
				continue
			}
			lastLine = text

			sig := models.NewDurableSignal(models.SignalCLIMessageReceived, map[string]any{
				"text":           text,
				"channel_type":   "cli",
				"channel_target": "local",
			})
			sig.Source = CLIKey
			if err := pub.Publish(ctx, sig); err != nil {
				c.logger.Warn("failed to publish message", "error", err)
			}
		}
	}
}

package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/dispatch"
)

// CLIChannel reads prompts line by line from a reader (normally stdin) and
// prints replies. When attached to a terminal it shows a prompt; when piped
// it stays quiet so output is scriptable.
type CLIChannel struct {
	agentID     string
	inbound     Inbound
	logger      *slog.Logger
	in          io.Reader
	interactive bool

	outMu sync.Mutex
	out   io.Writer
}

// NewCLIChannel builds the interactive channel on stdin/stdout.
func NewCLIChannel(agentID string, inbound Inbound, logger *slog.Logger) *CLIChannel {
	if logger == nil {
		logger = slog.Default()
	}
	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	return &CLIChannel{
		agentID:     agentID,
		inbound:     inbound,
		logger:      logger,
		in:          os.Stdin,
		out:         os.Stdout,
		interactive: interactive,
	}
}

func (c *CLIChannel) Name() string {
	return "cli"
}

func (c *CLIChannel) Start(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
		scanErr <- sc.Err()
	}()

	c.prompt()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-scanErr; err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				return nil
			}
			if strings.TrimSpace(line) == "" {
				c.prompt()
				continue
			}
			c.handleLine(ctx, line)
			c.prompt()
		}
	}
}

func (c *CLIChannel) handleLine(ctx context.Context, line string) {
	receipt, err := c.inbound.Handle(ctx, dispatch.InboundMessage{
		AgentID:    c.agentID,
		Channel:    c.Name(),
		SenderID:   "local",
		ChatType:   "direct",
		Body:       line,
		Authorized: true,
	})
	if err != nil {
		c.println("error: " + err.Error())
		return
	}
	if receipt.Reply != "" {
		c.println(receipt.Reply)
	}
}

// Deliver prints agent payloads to stdout. Satisfies Sender.
func (c *CLIChannel) Deliver(ctx context.Context, t dispatch.Target, payloads []agent.Payload) error {
	for _, p := range payloads {
		if p.Text != "" {
			c.println(p.Text)
		}
		if p.MediaURL != "" {
			c.println(p.MediaURL)
		}
	}
	return nil
}

func (c *CLIChannel) prompt() {
	if !c.interactive {
		return
	}
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprint(c.out, "> ")
}

func (c *CLIChannel) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}

package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"wxbot/internal/domain"
)

const (
	consoleChannelName = "console"
	consoleReceiver    = "console"
	consolePrompt      = "You> "
)

// Console is a terminal channel for trying plugins without a chat account.
type Console struct {
	bus     domain.MessageBus
	logger  *slog.Logger
	in      io.Reader
	out     io.Writer
	spinner bool

	mu        sync.Mutex // guards out
	thinking  bool
	thinkStop chan struct{}
}

type ConsoleConfig struct {
	Logger  *slog.Logger
	In      io.Reader
	Out     io.Writer
	Spinner bool
}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
		spinner: cfg.Spinner,
	}
}

func (c *Console) Name() string { return consoleChannelName }

// Start reads lines until EOF, "/quit" or ctx cancellation.
func (c *Console) Start(ctx context.Context, b domain.MessageBus) error {
	c.bus = b
	b.OnOutbound(consoleChannelName, func(msg domain.OutboundMessage) error {
		c.stopThinking()
		if err := c.Send(ctx, msg.Receiver, msg.Reply); err != nil {
			return err
		}
		c.print(consolePrompt)
		return nil
	})

	c.print("wxbot console. Type a message and press Enter; /quit exits.\n" + consolePrompt)

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.print(consolePrompt)
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				return nil
			}
			c.startThinking()
			c.bus.Publish(domain.Context{
				Channel:   consoleChannelName,
				Type:      domain.ContextText,
				Content:   line,
				Receiver:  consoleReceiver,
				SessionID: consoleReceiver,
				Timestamp: time.Now(),
			})
		}
	}
}

func (c *Console) Stop() error {
	c.stopThinking()
	return nil
}

// Send prints text replies verbatim and media replies as a tagged path.
func (c *Console) Send(_ context.Context, _ string, reply domain.Reply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spinner {
		fmt.Fprint(c.out, "\r\033[K")
	}
	var err error
	switch {
	case reply.Type.IsText():
		_, err = fmt.Fprintf(c.out, "Bot> %s\n", reply.Content)
	case reply.Data != nil:
		_, err = fmt.Fprintf(c.out, "Bot> [%s] %d bytes\n", reply.Type, len(reply.Data))
	default:
		_, err = fmt.Fprintf(c.out, "Bot> [%s] %s\n", reply.Type, reply.Content)
	}
	return err
}

func (c *Console) print(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.out, s)
}

func (c *Console) startThinking() {
	if !c.spinner {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	stop := c.thinkStop
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.print(fmt.Sprintf("\r%s Thinking...", frames[i%len(frames)]))
			}
		}
	}()
}

func (c *Console) stopThinking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}

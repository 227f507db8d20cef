package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/elementalhq/elemental/internal/common/logger"
)

// MessageHandler receives each decoded protocol message.
type MessageHandler func(msg *CLIMessage)

// RawLineHandler receives stdout lines that are not valid JSON.
type RawLineHandler func(line []byte)

// Client speaks the line-delimited stream-json protocol with a headless CLI
// subprocess: user turns go down stdin, events come back up stdout one JSON
// object per line.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	handlerMu sync.RWMutex
	onMessage MessageHandler
	onRaw     RawLineHandler

	writeMu  sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
}

// NewClient wraps the subprocess pipes. Handlers must be set before Start.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudecli-client")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler installs the decoded-message callback.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.handlerMu.Lock()
	c.onMessage = handler
	c.handlerMu.Unlock()
}

// SetRawLineHandler installs the callback for non-JSON stdout lines.
func (c *Client) SetRawLineHandler(handler RawLineHandler) {
	c.handlerMu.Lock()
	c.onRaw = handler
	c.handlerMu.Unlock()
}

// Start launches the stdout read loop. The returned channel closes once the
// loop is running, so callers can write the first turn without racing it.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop ends the read loop. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// SendUserMessage writes one user turn to the subprocess.
func (c *Client) SendUserMessage(content string) error {
	data, err := json.Marshal(NewUserMessage(content))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Tool results can be large; allow lines up to 10MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if line := scanner.Bytes(); len(line) > 0 {
			c.handleLine(line)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("stdout read loop failed", zap.Error(err))
	}
}

// handleLine decodes one stdout line. Lines that are not JSON go to the raw
// handler untouched; the scanner reuses its buffer, so both paths copy.
func (c *Client) handleLine(line []byte) {
	c.handlerMu.RLock()
	onMessage, onRaw := c.onMessage, c.onRaw
	c.handlerMu.RUnlock()

	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		if onRaw != nil {
			cp := make([]byte, len(line))
			copy(cp, line)
			onRaw(cp)
		}
		return
	}

	if onMessage != nil {
		cp := make([]byte, len(line))
		copy(cp, line)
		msg.RawContent = cp
		onMessage(&msg)
	}
}

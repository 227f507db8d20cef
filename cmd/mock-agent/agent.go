package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/elementalhq/elemental/pkg/claudecli"
)

// Scenario selects how the agent answers user turns.
type Scenario string

const (
	// ScenarioEcho answers every user turn with an assistant echo.
	ScenarioEcho Scenario = "echo"
	// ScenarioTool answers with a tool_use/tool_result pair before the echo.
	ScenarioTool Scenario = "tool"
	// ScenarioError answers every user turn with an in-band error event.
	ScenarioError Scenario = "error"
	// ScenarioSilent consumes input without ever emitting the init event.
	ScenarioSilent Scenario = "silent"
)

// Config controls one mock-agent run.
type Config struct {
	SessionID string
	ResumeID  string
	Scenario  Scenario
	InitDelay time.Duration
	ExitCode  int
}

// Agent reads user turns from stdin and writes protocol events to stdout.
type Agent struct {
	cfg Config
	in  io.Reader
	out io.Writer

	initialized bool
	turns       int
}

func NewAgent(cfg Config, in io.Reader, out io.Writer) *Agent {
	return &Agent{cfg: cfg, in: in, out: out}
}

// Run processes stdin until EOF. The init event is only emitted once the
// first user message has arrived; a final result event is written when the
// input closes.
func (a *Agent) Run() error {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg claudecli.UserMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type != claudecli.MessageTypeUser {
			continue
		}

		if err := a.handleUserTurn(msg.Message.Content); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	if a.initialized {
		return a.emit(&claudecli.CLIMessage{
			Type:    claudecli.MessageTypeResult,
			Subtype: "success",
			Message: fmt.Sprintf("handled %d turns", a.turns),
		})
	}
	return nil
}

func (a *Agent) handleUserTurn(content string) error {
	if a.cfg.Scenario == ScenarioSilent {
		return nil
	}

	if !a.initialized {
		time.Sleep(a.cfg.InitDelay)
		if err := a.emit(&claudecli.CLIMessage{
			Type:      claudecli.MessageTypeSystem,
			Subtype:   claudecli.SubtypeInit,
			SessionID: a.sessionID(),
		}); err != nil {
			return err
		}
		a.initialized = true
	}
	a.turns++

	switch a.cfg.Scenario {
	case ScenarioError:
		return a.emit(&claudecli.CLIMessage{
			Type:  claudecli.MessageTypeError,
			Error: "simulated failure: " + content,
		})
	case ScenarioTool:
		input, _ := json.Marshal(map[string]string{"query": content})
		if err := a.emit(&claudecli.CLIMessage{
			Type:      claudecli.MessageTypeToolUse,
			Tool:      "search",
			ToolUseID: fmt.Sprintf("tu-%d", a.turns),
			ToolInput: input,
		}); err != nil {
			return err
		}
		if err := a.emit(&claudecli.CLIMessage{
			Type:      claudecli.MessageTypeToolResult,
			ToolUseID: fmt.Sprintf("tu-%d", a.turns),
			Content:   "no results",
		}); err != nil {
			return err
		}
		fallthrough
	default:
		return a.emit(&claudecli.CLIMessage{
			Type:    claudecli.MessageTypeAssistant,
			Message: "echo: " + content,
		})
	}
}

// sessionID is the resumed upstream id when --resume was given, so the
// parent observes the same session across restarts.
func (a *Agent) sessionID() string {
	if a.cfg.ResumeID != "" {
		return a.cfg.ResumeID
	}
	return a.cfg.SessionID
}

func (a *Agent) emit(msg *claudecli.CLIMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", msg.Type, err)
	}
	if _, err := fmt.Fprintf(a.out, "%s\n", data); err != nil {
		return fmt.Errorf("write %s event: %w", msg.Type, err)
	}
	return nil
}

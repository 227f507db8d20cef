// mock-agent is a stand-in for an LLM CLI binary. It speaks the headless
// stream-json protocol: line-delimited JSON over stdin/stdout, with the
// system/init handshake emitted after the first user message arrives.
//
// Behavior is tuned through environment variables so tests can script
// startup latency, session ids, and failure modes without rebuilding:
//
//	MOCK_AGENT_SESSION_ID     session id for the init event (default mock-<pid>)
//	MOCK_AGENT_INIT_DELAY_MS  delay before the init event (default 50)
//	MOCK_AGENT_SCENARIO       echo | tool | error | silent (default echo)
//	MOCK_AGENT_EXIT_CODE      process exit code after stdin closes (default 0)
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

func main() {
	cfg := configFromEnv()
	cfg.ResumeID = parseResumeFlag(os.Args[1:])

	agent := NewAgent(cfg, os.Stdin, os.Stdout)
	if err := agent.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	os.Exit(cfg.ExitCode)
}

func configFromEnv() Config {
	cfg := Config{
		SessionID: os.Getenv("MOCK_AGENT_SESSION_ID"),
		Scenario:  Scenario(os.Getenv("MOCK_AGENT_SCENARIO")),
		InitDelay: 50 * time.Millisecond,
	}
	if cfg.SessionID == "" {
		cfg.SessionID = fmt.Sprintf("mock-%d", os.Getpid())
	}
	if cfg.Scenario == "" {
		cfg.Scenario = ScenarioEcho
	}
	if ms, err := strconv.Atoi(os.Getenv("MOCK_AGENT_INIT_DELAY_MS")); err == nil && ms >= 0 {
		cfg.InitDelay = time.Duration(ms) * time.Millisecond
	}
	if code, err := strconv.Atoi(os.Getenv("MOCK_AGENT_EXIT_CODE")); err == nil {
		cfg.ExitCode = code
	}
	return cfg
}

// parseResumeFlag extracts the value of --resume from the CLI args. All the
// other headless flags (--print, --verbose, --input-format, ...) are accepted
// and ignored.
func parseResumeFlag(args []string) string {
	for i, arg := range args {
		if arg == "--resume" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

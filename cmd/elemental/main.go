// elemental is the operator CLI for the elementald server. It wraps the
// control API: starting, stopping, resuming, and messaging agents, inspecting
// sessions, and triggering dispatch.
//
// Exit codes: 0 success, 1 general failure, 2 invalid arguments, 3 not
// found, 4 validation failure.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/elementalhq/elemental/internal/common/errors"
)

const defaultServer = "http://localhost:8080"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	server := os.Getenv("ELEMENTAL_SERVER")
	if server == "" {
		server = defaultServer
	}

	global := flag.NewFlagSet("elemental", flag.ContinueOnError)
	global.StringVar(&server, "server", server, "elementald base URL")
	global.Usage = usage
	if err := global.Parse(args); err != nil {
		return errors.ExitInvalidArgs
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage()
		return errors.ExitInvalidArgs
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := NewClient(server)

	var err error
	switch rest[0] {
	case "start":
		err = cmdStart(ctx, client, rest[1:])
	case "stop":
		err = cmdStop(ctx, client, rest[1:])
	case "send":
		err = cmdSend(ctx, client, rest[1:])
	case "sessions":
		err = cmdSessions(ctx, client, rest[1:])
	case "session":
		err = cmdSession(ctx, client, rest[1:])
	case "ready-queue":
		err = cmdReadyQueue(ctx, client, rest[1:])
	case "poll-now":
		err = cmdPollNow(ctx, client)
	case "watch":
		err = cmdWatch(ctx, client, rest[1:])
	case "help":
		usage()
		return errors.ExitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", rest[0])
		usage()
		return errors.ExitInvalidArgs
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "elemental: %v\n", err)
		return errors.ExitCode(err)
	}
	return errors.ExitOK
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: elemental [--server URL] <command> [args]

Commands:
  start <agent-id> [--role r] [--mode m] [--provider p] [--prompt text]
        [--resume] [--fall-back]       start or resume an agent session
  stop <agent-id> [--force]            stop the agent's live session
  send <agent-id> <message>            send a message to the live session
  sessions [--agent id] [--all]        list sessions
  session <session-id>                 show one session
  ready-queue <agent-id>               report work anchored to the agent
  poll-now                             trigger a dispatch pass immediately
  watch <agent-id>                     tail the live session's event stream
`)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdStart(ctx context.Context, client *Client, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	role := fs.String("role", "", "agent role (worker, steward)")
	mode := fs.String("mode", "", "session mode (headless, interactive)")
	prov := fs.String("provider", "", "provider name")
	prompt := fs.String("prompt", "", "initial prompt")
	workdir := fs.String("workdir", "", "working directory override")
	resume := fs.Bool("resume", false, "resume the most recent resumable session")
	fallBack := fs.Bool("fall-back", false, "start fresh when nothing is resumable")
	if err := fs.Parse(args); err != nil {
		return errors.BadRequest(err.Error())
	}
	if fs.NArg() != 1 {
		return errors.BadRequest("start requires exactly one agent id")
	}

	var out map[string]any
	err := client.Post(ctx, "/agents/"+fs.Arg(0)+"/start", map[string]any{
		"role":               *role,
		"mode":               *mode,
		"provider":           *prov,
		"initial_prompt":     *prompt,
		"working_dir":        *workdir,
		"resume":             *resume,
		"fall_back_to_start": *fallBack,
	}, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdStop(ctx context.Context, client *Client, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	force := fs.Bool("force", false, "kill without a grace window")
	if err := fs.Parse(args); err != nil {
		return errors.BadRequest(err.Error())
	}
	if fs.NArg() != 1 {
		return errors.BadRequest("stop requires exactly one agent id")
	}

	graceful := !*force
	var out map[string]any
	err := client.Post(ctx, "/agents/"+fs.Arg(0)+"/stop", map[string]any{
		"graceful": graceful,
	}, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdSend(ctx context.Context, client *Client, args []string) error {
	if len(args) != 2 {
		return errors.BadRequest("send requires an agent id and a message")
	}
	var out map[string]any
	err := client.Post(ctx, "/agents/"+args[0]+"/message", map[string]any{
		"content": args[1],
	}, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func cmdSessions(ctx context.Context, client *Client, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	agent := fs.String("agent", "", "restrict to one agent")
	all := fs.Bool("all", false, "include terminated sessions")
	if err := fs.Parse(args); err != nil {
		return errors.BadRequest(err.Error())
	}

	path := "/sessions"
	if *agent != "" {
		path = "/agents/" + *agent + "/sessions"
	} else if *all {
		path += "?all=true"
	}
	var out map[string]any
	if err := client.Get(ctx, path, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdSession(ctx context.Context, client *Client, args []string) error {
	if len(args) != 1 {
		return errors.BadRequest("session requires exactly one session id")
	}
	var out map[string]any
	if err := client.Get(ctx, "/sessions/"+args[0], &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdReadyQueue(ctx context.Context, client *Client, args []string) error {
	if len(args) != 1 {
		return errors.BadRequest("ready-queue requires exactly one agent id")
	}
	var out map[string]any
	if err := client.Get(ctx, "/agents/"+args[0]+"/ready-queue", &out); err != nil {
		return err
	}
	return printJSON(out)
}

func cmdPollNow(ctx context.Context, client *Client) error {
	var out map[string]any
	if err := client.Post(ctx, "/dispatch/poll-now", nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

// cmdWatch tails the agent's SSE stream, printing each event's data line.
func cmdWatch(ctx context.Context, client *Client, args []string) error {
	if len(args) != 1 {
		return errors.BadRequest("watch requires exactly one agent id")
	}

	body, err := client.Stream(ctx, "/agents/"+args[0]+"/stream")
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			fmt.Println(data)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "stream read failed")
	}
	return nil
}

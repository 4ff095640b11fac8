package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/danmuck/pyremote/internal/protocol"
	"github.com/danmuck/pyremote/internal/remote"
	"github.com/fatih/color"
)

// session is the slice of *remote.Session the REPL drives.
type session interface {
	LocalID() string
	State() remote.State
	ConnectedNode() (string, bool)
	ListNodes() []remote.NodeInfo
	WaitForNode(ctx context.Context, nodeID string) (remote.NodeInfo, error)
	Connect(ctx context.Context, nodeID string) error
	Disconnect() error
	Execute(ctx context.Context, text string, opts remote.ExecOptions) (protocol.CommandResult, error)
}

var (
	okColor   = color.New(color.FgGreen)
	errColor  = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
	infoColor = color.New(color.FgCyan)
	dimColor  = color.New(color.FgHiBlack)
)

var errQuit = errors.New("quit")

type replCommand struct {
	name string
	arg  string
}

var aliases = map[string]string{
	"ls":        "nodes",
	"list":      "nodes",
	"c":         "connect",
	"statement": "exec",
	"evaluate":  "eval",
	"?":         "help",
	"q":         "quit",
	"exit":      "quit",
}

// parseLine splits a REPL line into a command name and its raw argument.
// The argument keeps its inner whitespace so Python survives intact.
func parseLine(line string) (replCommand, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return replCommand{}, false
	}
	name, arg, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	if canonical, ok := aliases[name]; ok {
		name = canonical
	}
	return replCommand{name: name, arg: strings.TrimSpace(arg)}, true
}

func parseOnOff(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on|off, got %q", raw)
	}
}

type app struct {
	sess       session
	out        io.Writer
	unattended bool
	raise      bool
	listed     []remote.NodeInfo
}

func newApp(sess session, out io.Writer) *app {
	return &app{sess: sess, out: out, unattended: true}
}

func (a *app) prompt() string {
	if node, ok := a.sess.ConnectedNode(); ok {
		return okColor.Sprintf("py@%s> ", node)
	}
	return infoColor.Sprint("py> ")
}

func (a *app) completer() *readline.PrefixCompleter {
	nodeIDs := readline.PcItemDynamic(func(string) []string {
		nodes := a.sess.ListNodes()
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.NodeID)
		}
		return ids
	})
	return readline.NewPrefixCompleter(
		readline.PcItem("nodes"),
		readline.PcItem("connect", nodeIDs),
		readline.PcItem("disconnect"),
		readline.PcItem("status"),
		readline.PcItem("exec"),
		readline.PcItem("eval"),
		readline.PcItem("file"),
		readline.PcItem("unattended", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("raise", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Run reads commands until quit, EOF, Ctrl-C or ctx ends.
func (a *app) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          a.prompt(),
		AutoComplete:    a.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()
	a.out = rl.Stdout()

	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	dimColor.Fprintf(a.out, "local id %s; type help for commands\n", a.sess.LocalID())
	for {
		rl.SetPrompt(a.prompt())
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		cmd, ok := parseLine(line)
		if !ok {
			continue
		}
		if err := a.dispatch(ctx, cmd); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			errColor.Fprintf(a.out, "error: %v\n", err)
		}
	}
}

func (a *app) dispatch(ctx context.Context, cmd replCommand) error {
	switch cmd.name {
	case "help":
		a.printHelp()
	case "quit":
		return errQuit
	case "nodes":
		a.printNodes()
	case "status":
		a.printStatus()
	case "connect":
		nodeID, err := a.resolveNode(cmd.arg)
		if err != nil {
			return err
		}
		infoColor.Fprintf(a.out, "connecting to %s...\n", nodeID)
		if err := a.sess.Connect(ctx, nodeID); err != nil {
			return err
		}
		okColor.Fprintf(a.out, "connected to %s\n", nodeID)
	case "disconnect":
		if err := a.sess.Disconnect(); err != nil {
			return err
		}
		infoColor.Fprintln(a.out, "disconnected")
	case "exec":
		return a.execute(ctx, cmd.arg, protocol.ExecuteStatement)
	case "eval":
		return a.execute(ctx, cmd.arg, protocol.EvaluateStatement)
	case "file":
		return a.execute(ctx, cmd.arg, protocol.ExecuteFile)
	case "unattended":
		on, err := parseOnOff(cmd.arg)
		if err != nil {
			return err
		}
		a.unattended = on
		infoColor.Fprintf(a.out, "unattended %s\n", onOff(on))
	case "raise":
		on, err := parseOnOff(cmd.arg)
		if err != nil {
			return err
		}
		a.raise = on
		infoColor.Fprintf(a.out, "raise %s\n", onOff(on))
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd.name)
	}
	return nil
}

// resolveNode accepts a node id or "#N", the 1-based index into the last
// nodes listing.
func (a *app) resolveNode(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("usage: connect <node-id|#index>")
	}
	if !strings.HasPrefix(arg, "#") {
		return arg, nil
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil {
		return "", fmt.Errorf("bad node index %q", arg)
	}
	if len(a.listed) == 0 {
		a.listed = a.sess.ListNodes()
	}
	if idx < 1 || idx > len(a.listed) {
		return "", fmt.Errorf("node index %d out of range (1-%d)", idx, len(a.listed))
	}
	return a.listed[idx-1].NodeID, nil
}

func (a *app) execute(ctx context.Context, text string, mode protocol.ExecMode) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("nothing to run")
	}
	res, err := a.sess.Execute(ctx, text, remote.ExecOptions{
		Unattended:     a.unattended,
		ExecMode:       mode,
		RaiseOnFailure: a.raise,
	})
	if err != nil {
		return err
	}
	a.printResult(res)
	return nil
}

// connectWhenSeen waits up to wait for nodeID to answer a ping, then
// connects to it.
func (a *app) connectWhenSeen(ctx context.Context, nodeID string, wait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if _, err := a.sess.WaitForNode(waitCtx, nodeID); err != nil {
		return err
	}
	if err := a.sess.Connect(ctx, nodeID); err != nil {
		return err
	}
	okColor.Fprintf(a.out, "connected to %s\n", nodeID)
	return nil
}

func (a *app) printNodes() {
	a.listed = a.sess.ListNodes()
	if len(a.listed) == 0 {
		dimColor.Fprintln(a.out, "no nodes discovered")
		return
	}
	for i, n := range a.listed {
		fmt.Fprintf(a.out, "#%d %s  machine=%s engine=%s project=%s\n",
			i+1, n.NodeID, n.Machine, n.EngineVersion, n.ProjectRoot)
	}
}

func (a *app) printStatus() {
	node, ok := a.sess.ConnectedNode()
	if !ok {
		node = "-"
	}
	fmt.Fprintf(a.out, "state=%s local_id=%s node=%s unattended=%s raise=%s\n",
		a.sess.State(), a.sess.LocalID(), node, onOff(a.unattended), onOff(a.raise))
}

func (a *app) printResult(res protocol.CommandResult) {
	for _, entry := range res.Output {
		text := strings.TrimRight(entry.Output, "\n")
		switch strings.ToLower(entry.Type) {
		case "error":
			errColor.Fprintln(a.out, text)
		case "warning":
			warnColor.Fprintln(a.out, text)
		default:
			fmt.Fprintln(a.out, text)
		}
	}
	if !res.Success {
		errColor.Fprintf(a.out, "failed: %s\n", res.FailureText())
		return
	}
	if res.Result != "" && res.Result != "None" {
		okColor.Fprintln(a.out, res.Result)
	}
}

func (a *app) printHelp() {
	fmt.Fprint(a.out, `commands:
  nodes                   list discovered nodes
  connect <id|#index>     open a command channel to a node
  disconnect              close the command channel
  status                  show session state
  exec <statement>        run one statement
  eval <expression>       evaluate one expression and print its value
  file <path-or-script>   run a file or multi-line script
  unattended on|off       suppress remote UI prompts
  raise on|off            report success=false results as errors
  quit                    stop and exit
`)
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// Package cli is the administrative console: plugin lifecycle commands and
// server shutdown, driven over stdin with line editing.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/vxchat/vxnode/pkg/logger"
	"github.com/vxchat/vxnode/pkg/server"
)

// Console runs the admin command loop against a live server.
type Console struct {
	server *server.Server
	rl     *readline.Instance
}

func New(srv *server.Server) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "vxnode> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("ping"),
			readline.PcItem("plugins"),
			readline.PcItem("install"),
			readline.PcItem("load"),
			readline.PcItem("stop"),
			readline.PcItem("reload"),
			readline.PcItem("reload-all"),
			readline.PcItem("shutdown"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("init console: %w", err)
	}
	return &Console{server: srv, rl: rl}, nil
}

// Run reads commands until shutdown, EOF or a double interrupt.
func (c *Console) Run() {
	defer c.rl.Close()

	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				c.server.Shutdown("server stopping")
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			logger.ErrorCF("cli", "Read failed", map[string]interface{}{"error": err.Error()})
			return
		}

		args := splitArgs(line)
		if len(args) == 0 {
			continue
		}
		if c.execute(args[0], args[1:]) {
			return
		}
	}
}

// execute runs one command. Returns true when the loop should exit.
func (c *Console) execute(cmd string, args []string) bool {
	switch cmd {
	case "help":
		c.printHelp()

	case "ping":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.server.Store().Ping(ctx)
		cancel()
		if err != nil {
			c.printf("storage unreachable: %v", err)
		} else {
			c.printf("pong")
		}

	case "plugins":
		active := c.server.Plugins().Active()
		if len(active) == 0 {
			c.printf("no plugins running")
			break
		}
		c.printf("running: %s", strings.Join(active, ", "))

	case "install":
		if len(args) != 1 {
			c.printf("usage: install <archive.vxp>")
			break
		}
		id, err := Install(c.server.Plugins().Root(), args[0])
		if err != nil {
			c.printf("install failed: %v", err)
			break
		}
		c.printf("installed %s, use `load %s` to start it", id, id)

	case "load":
		c.pluginOp(args, "load", c.server.Plugins().Load)

	case "stop":
		c.pluginOp(args, "stop", c.server.Plugins().Stop)

	case "reload":
		c.pluginOp(args, "reload", c.server.Plugins().Reload)

	case "reload-all":
		if err := c.server.Plugins().ReloadAll(); err != nil {
			c.printf("reload-all: %v", err)
		}

	case "shutdown":
		message := "server shutting down"
		if len(args) > 0 {
			message = strings.Join(args, " ")
		}
		c.server.Shutdown(message)
		return true

	default:
		c.printf("unknown command %q, try `help`", cmd)
	}
	return false
}

func (c *Console) pluginOp(args []string, name string, op func(string) error) {
	if len(args) != 1 {
		c.printf("usage: %s <plugin-id>", name)
		return
	}
	if err := op(args[0]); err != nil {
		c.printf("%s %s: %v", name, args[0], err)
	}
}

func (c *Console) printHelp() {
	c.printf(`commands:
  help                 show this help
  ping                 check storage connectivity
  plugins              list running plugins
  install <file.vxp>   unpack a plugin archive into the plugins directory
  load <id>            start an installed plugin
  stop <id>            stop a running plugin
  reload <id>          stop and restart a plugin
  reload-all           restart every running plugin
  shutdown [message]   stop plugins, notify clients and exit`)
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.rl.Stdout(), format+"\n", args...)
}

// splitArgs splits a command line on spaces, honoring double quotes so
// plugin ids and shutdown messages may contain spaces.
func splitArgs(line string) []string {
	var (
		args    []string
		current strings.Builder
		quoted  bool
		started bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quoted = !quoted
			started = true
		case r == ' ' && !quoted:
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, current.String())
	}
	return args
}

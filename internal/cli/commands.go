// Package cli implements worldgate's interactive operator console.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/config"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/network"
	"github.com/energizer-project/worldgate/internal/realm"
	"github.com/energizer-project/worldgate/internal/session"
)

// CLI reads operator commands line by line.
type CLI struct {
	cfg      *config.Config
	bus      *events.EventBus
	gate     *realm.Gate
	registry *network.ConnectionRegistry
	sessions *session.Manager

	in     io.Reader
	out    io.Writer
	logger zerolog.Logger
}

// NewCLI creates a console reading from in and writing to out.
func NewCLI(
	cfg *config.Config,
	bus *events.EventBus,
	gate *realm.Gate,
	registry *network.ConnectionRegistry,
	sessions *session.Manager,
	in io.Reader,
	out io.Writer,
) *CLI {
	return &CLI{
		cfg:      cfg,
		bus:      bus,
		gate:     gate,
		registry: registry,
		sessions: sessions,
		in:       in,
		out:      out,
		logger:   log.With().Str("component", "cli").Logger(),
	}
}

// Start runs the read loop until input ends, quit is entered or ctx is
// cancelled.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nworldgate console ready. Type 'help' for available commands.")

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
	}()

	for {
		fmt.Fprint(c.out, "worldgate> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "connections", "conns":
		c.printConnections()
	case "sessions":
		c.printSessions()
	case "kick":
		return false, c.cmdKick(args)
	case "realm":
		return false, c.cmdRealm(args)
	case "security":
		return false, c.cmdSecurity(args)
	case "setconfig":
		return false, c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down worldgate...")
		c.bus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprint(c.out, `
  status                    Realm gate and population
  connections               List open connections
  sessions                  List authenticated sessions
  kick <account> [reason]   Disconnect an account
  realm open|close          Open or close the realm to logins
  security <level>          Minimum security level for new logins
  setconfig <key> <value>   Update a world_data field
  quit                      Shut worldgate down
  help                      Show this help message

`)
}

func (c *CLI) printStatus() {
	status := c.gate.Status()
	builds := "any"
	if len(status.AllowedBuilds) > 0 {
		parts := make([]string, len(status.AllowedBuilds))
		for i, b := range status.AllowedBuilds {
			parts[i] = strconv.FormatUint(uint64(b), 10)
		}
		builds = strings.Join(parts, ",")
	}

	fmt.Fprintf(c.out, "\n  Realm:        %d (%s)\n", status.ID, status.Name)
	fmt.Fprintf(c.out, "  Closed:       %v\n", status.Closed)
	fmt.Fprintf(c.out, "  Security:     %s\n", status.RequiredSecurity)
	fmt.Fprintf(c.out, "  Builds:       %s\n", builds)
	fmt.Fprintf(c.out, "  Connections:  %d\n", c.registry.Count())
	fmt.Fprintf(c.out, "  Sessions:     %d\n\n", c.sessions.Count())
}

func (c *CLI) printConnections() {
	tw := c.table([]string{"ID", "Remote", "State", "Account", "Type", "Latency", "Connected"})
	for _, conn := range c.registry.Snapshot() {
		account := "-"
		if conn.AccountID != 0 {
			account = strconv.FormatUint(uint64(conn.AccountID), 10)
		}
		tw.Append([]string{
			conn.ID,
			conn.RemoteAddr,
			conn.State.String(),
			account,
			conn.ConnectionType.String(),
			fmt.Sprintf("%dms", conn.LatencyMS),
			time.Since(conn.ConnectedAt).Round(time.Second).String(),
		})
	}
	tw.Render()
}

func (c *CLI) printSessions() {
	tw := c.table([]string{"Account", "User", "Security", "Remote", "Instance", "Latency", "Queued"})
	for _, s := range c.sessions.Sessions() {
		instance := "-"
		if s.InstanceConn != "" {
			instance = s.InstanceConn
		}
		tw.Append([]string{
			strconv.FormatUint(uint64(s.AccountID), 10),
			s.Username,
			s.Security.String(),
			s.RemoteAddr,
			instance,
			fmt.Sprintf("%dms", s.LatencyMS),
			strconv.Itoa(s.Queued),
		})
	}
	tw.Render()
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: kick <account> [reason]")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid account id: %s", args[0])
	}
	reason := "kicked by operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if !c.sessions.Kick(uint32(id), reason) {
		return fmt.Errorf("no session for account %d", id)
	}
	fmt.Fprintf(c.out, "Kicked account %d\n", id)
	return nil
}

func (c *CLI) cmdRealm(args []string) error {
	if len(args) != 1 || (args[0] != "open" && args[0] != "close") {
		return fmt.Errorf("usage: realm open|close")
	}
	closed := args[0] == "close"
	c.gate.SetClosed(closed)
	c.persist("realm_closed", closed)
	if closed {
		fmt.Fprintln(c.out, "Realm closed")
	} else {
		fmt.Fprintln(c.out, "Realm opened")
	}
	return nil
}

func (c *CLI) cmdSecurity(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: security <level>")
	}
	level, err := auth.ParseSecurityLevel(args[0])
	if err != nil {
		return err
	}
	c.gate.SetRequiredSecurity(level)
	c.persist("required_security", level.String())
	fmt.Fprintf(c.out, "Required security set to %s\n", level)
	return nil
}

// cmdSetConfig accepts JSON values (numbers, booleans, lists) and falls
// back to a plain string.
func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <key> <value>")
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	var value interface{}
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		value = raw
	}

	previous := c.cfg.GetWorldData()
	if err := c.cfg.UpdateWorldField(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetWorldData(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	c.bus.Emit(ctx, events.Event{
		Type:    events.EventConfigChanged,
		Source:  "cli",
		Payload: events.ConfigChangedPayload{Section: "world_data", Key: key, Value: value},
	})
	fmt.Fprintf(c.out, "Config updated: %s = %s\n", key, raw)
	return nil
}

func (c *CLI) persist(key string, value interface{}) {
	if err := c.cfg.UpdateWorldField(key, value); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("failed to update config")
		return
	}
	if err := c.cfg.Save(); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("failed to save config")
	}
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/contentgen-gateway/internal/config"
	"github.com/tjfontaine/contentgen-gateway/internal/multiplexer"
	"github.com/tjfontaine/contentgen-gateway/internal/protocol"
	"github.com/tjfontaine/contentgen-gateway/internal/transport"
)

type chatOptions struct {
	url          string
	instructions string
	fields       []string
	shared       bool
	tui          bool
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive client: each line is a prompt, /stop and /retry control the run",
		Example: "  contentgen chat --field title=Hello --field body='Some text'\n" +
			"  contentgen chat --url ws://gateway:8080/ws --shared",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, root.cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "Gateway websocket URL (overrides client.url)")
	cmd.Flags().StringVar(&opts.instructions, "instructions", "", "Extra instructions sent with every prompt")
	cmd.Flags().StringArrayVar(&opts.fields, "field", nil, "Editable field as name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.shared, "shared", false, "Dial through a shared connection hub")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "Full-screen terminal interface instead of the line prompt")
	return cmd
}

func parseFields(specs []string) (map[string]protocol.Field, error) {
	fields := make(map[string]protocol.Field, len(specs))
	for _, spec := range specs {
		name, value, ok := strings.Cut(spec, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --field %q, want name=value", spec)
		}
		fields[name] = protocol.Field{Value: value, Type: "text", SchemaLabel: name}
	}
	return fields, nil
}

// console serializes output from the prompt loop and the manager's sink.
type console struct {
	mu       sync.Mutex
	w        io.Writer
	lastUser string
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUser
}

func (c *console) sink() transport.SinkFuncs {
	var lastState transport.State
	return transport.SinkFuncs{
		OnState: func(s transport.Snapshot) {
			if s.State == lastState {
				return
			}
			lastState = s.State
			switch {
			case s.State == transport.StateDisconnected && s.Reconnecting:
				c.printf("* disconnected, reconnect attempt %d scheduled\n", s.ReconnectAttempts)
			default:
				c.printf("* %s\n", s.State)
			}
		},
		OnLicense: func(l protocol.LicensePayload) {
			c.printf("* license: %s (valid=%t)\n", l.Plan, l.Valid)
		},
		OnChat: func(m transport.ChatMessage) {
			if m.Role == transport.RoleUser {
				if m.Active {
					c.mu.Lock()
					c.lastUser = m.ID
					c.mu.Unlock()
				}
				return
			}
			if !m.Active {
				return
			}
			c.printf("%s", renderModelMessage(m))
		},
	}
}

func renderModelMessage(m transport.ChatMessage) string {
	var b strings.Builder
	switch m.Kind {
	case transport.KindAnalysis:
		b.WriteString("analysis:\n")
		for _, name := range sortedKeys(m.Analysis) {
			fmt.Fprintf(&b, "  %s: %s\n", name, m.Analysis[name])
		}
	case transport.KindResult:
		b.WriteString("result:\n")
		for _, name := range sortedKeys(m.Result) {
			fmt.Fprintf(&b, "  %s: %s\n", name, m.Result[name].String())
		}
	case transport.KindStopped:
		fmt.Fprintf(&b, "stopped (%s)\n", m.Content)
	case transport.KindWarning:
		fmt.Fprintf(&b, "warning: %s\n", m.Content)
	case transport.KindError:
		fmt.Fprintf(&b, "error [%s]: %s\n", m.ErrorCode, m.Content)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func runChat(ctx context.Context, cfg *config.Config, opts *chatOptions, in io.Reader, out io.Writer) error {
	level, err := parseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	// Logs go to stderr so they never interleave with the conversation.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	fields, err := parseFields(opts.fields)
	if err != nil {
		return err
	}
	url := cfg.Client.URL
	if opts.url != "" {
		url = opts.url
	}

	con := &console{w: out}
	var dialer transport.Dialer = &transport.WebSocketDialer{
		URL:         url,
		Subprotocol: cfg.Client.Subprotocol,
		Logger:      logger,
	}
	if opts.shared {
		hub := multiplexer.New(dialer, multiplexer.WithLogger(logger))
		defer hub.Close()
		dialer = hub.Dialer()
	}

	sink := con.sink()
	var events chan tea.Msg
	if opts.tui {
		events = make(chan tea.Msg, 256)
		sink = tuiSink(events)
	}

	m := transport.New(dialer,
		transport.WithLogger(logger),
		transport.WithSink(sink),
		transport.WithContextProvider(transport.StaticContext{
			Language:     cfg.Client.Language,
			ContentPath:  cfg.Client.ContentPath,
			Instructions: opts.instructions,
			Fields:       fields,
		}),
	)
	defer m.Close()
	unmount := m.Mount()
	defer unmount()

	if opts.tui {
		return runTUI(ctx, m, events, in, out)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(m, con, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(m *transport.Manager, con *console, line string) (quit bool) {
	notice, quit := command(m, line, con.lastPrompt())
	if notice != "" {
		con.printf("%s\n", notice)
	}
	return quit
}

// command applies one input line to m. lastUser is the id of the newest
// active user message, the target of /retry. The returned notice is a
// line for the user, empty when there is nothing to report.
func command(m *transport.Manager, line, lastUser string) (notice string, quit bool) {
	var err error
	switch line {
	case "":
		return "", false
	case "/quit", "/exit":
		return "", true
	case "/stop":
		err = m.SendStop(transport.StopByUser)
	case "/retry":
		if lastUser == "" {
			return "! nothing to retry", false
		}
		err = m.SendRetry(lastUser)
	case "/status":
		s := m.Snapshot()
		return fmt.Sprintf("* %s, lifecycle %s, busy=%t, online=%t", s.State, s.Lifecycle, s.Busy, s.Online), false
	case "/connect":
		m.Connect()
	case "/disconnect":
		m.Disconnect()
	default:
		err = m.SendPrompt(line)
	}
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, transport.ErrBusy):
		return "! a generation is running, /stop it first", false
	case errors.Is(err, transport.ErrNotConnected):
		return "! not connected", false
	default:
		return fmt.Sprintf("! %v", err), false
	}
}

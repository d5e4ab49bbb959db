package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jpalmerr/cardwatch/client"
	"github.com/jpalmerr/cardwatch/config"
)

var (
	readerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	cardStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	removedStyle = lipgloss.NewStyle().Faint(true)
	groupStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
)

// watchCmd prints events from a running server.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print card events from a running server",
	Long: `Connect to a cardwatch server over WebSocket and print every card
event. The connection is retried with backoff until interrupted.

Exclusive groups name sets of card ids of which at most one is expected on
the readers at a time; changes to a group are shown next to the event.

Example:
  cardwatch watch
  cardwatch watch --url ws://pi.local:5001/ws --exclusive answer=04A1,04B2,04C3`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("url", "ws://localhost:5001/ws", "server WebSocket URL")
	watchCmd.Flags().StringArray("exclusive", nil, "exclusive group as name=id,id,... (repeatable)")
	watchCmd.Flags().Duration("backoff", client.DefaultBackoffBase, "base reconnect delay")
	watchCmd.Flags().String("log-level", "warn", "log level for connection messages")
}

func runWatch(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	specs, _ := cmd.Flags().GetStringArray("exclusive")
	backoff, _ := cmd.Flags().GetDuration("backoff")
	level, _ := cmd.Flags().GetString("log-level")

	groups, err := parseExclusive(specs)
	if err != nil {
		return err
	}

	logger := config.LogConfig{Level: level, Format: "console"}.NewLogger(os.Stderr)
	out := cmd.OutOrStdout()

	c, err := client.New(url,
		client.WithExclusive(groups),
		client.WithBackoffBase(backoff),
		client.WithLogger(&logger),
		client.WithHandler(func(ev client.Event) {
			fmt.Fprintln(out, formatEvent(ev, time.Now()))
		}),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// parseExclusive parses repeated name=id,id,... flags.
func parseExclusive(specs []string) (map[string][]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	groups := make(map[string][]string, len(specs))
	for _, spec := range specs {
		name, list, ok := strings.Cut(spec, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("exclusive group %q must look like name=id,id", spec)
		}
		if _, dup := groups[name]; dup {
			return nil, fmt.Errorf("exclusive group %q given twice", name)
		}
		var ids []string
		for _, id := range strings.Split(list, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("exclusive group %q has no card ids", name)
		}
		groups[name] = ids
	}
	return groups, nil
}

// formatEvent renders one event as a single styled line.
func formatEvent(ev client.Event, at time.Time) string {
	var b strings.Builder
	b.WriteString(at.Format("15:04:05"))
	b.WriteString("  ")
	b.WriteString(readerStyle.Render(ev.Reader))
	b.WriteString("  ")
	if ev.Present() {
		b.WriteString(cardStyle.Render(ev.Card))
	} else if ev.PreviousCard != "" {
		b.WriteString(removedStyle.Render("removed " + ev.PreviousCard))
	} else {
		b.WriteString(removedStyle.Render("empty"))
	}

	names := make([]string, 0, len(ev.Exclusive))
	for name, st := range ev.Exclusive {
		if st.Changed != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		st := ev.Exclusive[name]
		b.WriteString("  ")
		b.WriteString(groupStyle.Render(fmt.Sprintf("[%s %s", name, st.Changed)))
		if st.Index >= 0 {
			b.WriteString(groupStyle.Render(fmt.Sprintf(" #%d", st.Index)))
		}
		b.WriteString(groupStyle.Render("]"))
	}
	return b.String()
}

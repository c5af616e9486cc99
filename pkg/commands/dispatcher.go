package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/pkg/bus"
	"github.com/tinyland-inc/dmrelay/pkg/conn"
	"github.com/tinyland-inc/dmrelay/pkg/relay"
	"github.com/tinyland-inc/dmrelay/pkg/store"
)

// Replier posts command responses back into the topic the command came from.
type Replier interface {
	SendText(ctx context.Context, topicID int, text string) error
}

// Dispatcher handles operator commands typed into the destination group.
type Dispatcher struct {
	reply   Replier
	filters *store.FilterSet
	prefix  string
	stats   func() relay.Stats
	state   func() conn.State
	log     zerolog.Logger
}

func NewDispatcher(reply Replier, filters *store.FilterSet, prefix string, stats func() relay.Stats, state func() conn.State, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		reply:   reply,
		filters: filters,
		prefix:  prefix,
		stats:   stats,
		state:   state,
		log:     log.With().Str("component", "commands").Logger(),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.OutboundMessage) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], d.prefix))
	args := fields[1:]

	var response string
	switch cmd {
	case "filter":
		response = d.handleFilter(args)
	case "status":
		response = d.handleStatus()
	case "help":
		response = d.handleHelp()
	default:
		response = fmt.Sprintf("Unknown command %q. Try %shelp.", fields[0], d.prefix)
	}

	if err := d.reply.SendText(ctx, msg.TopicID, response); err != nil {
		d.log.Warn().Err(err).Str("command", cmd).Msg("Command reply failed")
	}
}

func (d *Dispatcher) handleFilter(args []string) string {
	if len(args) == 0 {
		return "Usage: " + d.prefix + "filter add|remove|list|clear [word]"
	}
	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) < 2 {
			return "Usage: " + d.prefix + "filter add <word>"
		}
		word := strings.Join(args[1:], " ")
		if err := d.filters.Add(word); err != nil {
			return "Could not add filter: " + err.Error()
		}
		return fmt.Sprintf("Filtering messages starting with %q.", strings.ToLower(word))
	case "remove":
		if len(args) < 2 {
			return "Usage: " + d.prefix + "filter remove <word>"
		}
		word := strings.Join(args[1:], " ")
		if err := d.filters.Remove(word); err != nil {
			return "Could not remove filter: " + err.Error()
		}
		return fmt.Sprintf("Removed filter %q.", strings.ToLower(word))
	case "list":
		words := d.filters.List()
		if len(words) == 0 {
			return "No filters set."
		}
		return "Active filters:\n• " + strings.Join(words, "\n• ")
	case "clear":
		if err := d.filters.Clear(); err != nil {
			return "Could not clear filters: " + err.Error()
		}
		return "All filters cleared."
	default:
		return "Usage: " + d.prefix + "filter add|remove|list|clear [word]"
	}
}

func (d *Dispatcher) handleStatus() string {
	st := d.stats()
	uptime := time.Since(st.StartedAt).Round(time.Second)
	return fmt.Sprintf(
		"Connection: %s\nUptime: %s\nRelayed in: %d\nRelayed out: %d\nFilters: %d",
		d.state(), uptime, st.InboundRelayed, st.OutboundRelayed, len(d.filters.List()),
	)
}

func (d *Dispatcher) handleHelp() string {
	p := d.prefix
	return strings.Join([]string{
		p + "status — connection state and relay counters",
		p + "filter add <word> — drop messages starting with word",
		p + "filter remove <word> — delete one filter",
		p + "filter list — show active filters",
		p + "filter clear — delete all filters",
		p + "help — this message",
	}, "\n")
}

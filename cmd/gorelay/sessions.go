package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/basket/go-relay/internal/config"
)

type sessionRow struct {
	Channel        string    `json:"channel"`
	ChatID         string    `json:"chat_id"`
	AgentSessionID string    `json:"agent_session_id"`
	LastActiveAt   time.Time `json:"last_active_at"`
	TurnCount      int       `json:"turn_count"`
}

func runSessionsCommand(ctx context.Context, args []string, stdout io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return sessionsCommand(ctx, newAdminClient(cfg), args, stdout)
}

func sessionsCommand(ctx context.Context, c *adminClient, args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("gorelay sessions", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	channel := fs.String("channel", "", "filter by channel")
	chatID := fs.String("chat-id", "", "filter by chat id")
	reset := fs.Bool("clear", false, "reset the session for -channel and -chat-id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *reset {
		if *channel == "" || *chatID == "" {
			fmt.Fprintln(os.Stderr, "usage: gorelay sessions -clear -channel <ch> -chat-id <id>")
			return 2
		}
		path := "/api/sessions/" + url.PathEscape(*channel) + "/" + url.PathEscape(*chatID)
		if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "clear failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "cleared session for %s:%s\n", *channel, *chatID)
		return 0
	}

	q := url.Values{}
	if *channel != "" {
		q.Set("channel", *channel)
	}
	if *chatID != "" {
		q.Set("chat_id", *chatID)
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Sessions []sessionRow `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		return 1
	}
	if len(out.Sessions) == 0 {
		fmt.Fprintln(stdout, "no sessions")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tAGENT SESSION\tTURNS\tLAST ACTIVE")
	for _, s := range out.Sessions {
		agent := s.AgentSessionID
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(tw, "%s:%s\t%s\t%d\t%s\n", s.Channel, s.ChatID, agent, s.TurnCount, formatTime(s.LastActiveAt))
	}
	_ = tw.Flush()
	return 0
}

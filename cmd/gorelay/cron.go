package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/cron"
)

const cronUsage = "usage: gorelay cron <list|add|remove|enable|disable|run> ..."

// cronAddBody mirrors the admin API's POST /api/cron body.
type cronAddBody struct {
	ID           string    `json:"id,omitempty"`
	Name         string    `json:"name,omitempty"`
	EverySeconds int64     `json:"every_seconds,omitempty"`
	Expr         string    `json:"expr,omitempty"`
	TZ           string    `json:"tz,omitempty"`
	At           time.Time `json:"at,omitzero"`
	Message      string    `json:"message"`
	Channel      string    `json:"channel,omitempty"`
	ChatID       string    `json:"chat_id,omitempty"`
	Silent       bool      `json:"silent,omitempty"`
}

func runCronCommand(ctx context.Context, args []string, stdout io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, cronUsage)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return cronCommand(ctx, newAdminClient(cfg), args, stdout)
}

func cronCommand(ctx context.Context, c *adminClient, args []string, stdout io.Writer) int {
	sub := strings.ToLower(strings.TrimSpace(args[0]))
	switch sub {
	case "list":
		fs := flag.NewFlagSet("gorelay cron list", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		all := fs.Bool("all", false, "include disabled jobs")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		path := "/api/cron"
		if *all {
			path += "?all=1"
		}
		var out struct {
			Jobs []cron.Job `json:"jobs"`
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
			return 1
		}
		printJobs(stdout, out.Jobs)
		return 0

	case "add":
		fs := flag.NewFlagSet("gorelay cron add", flag.ContinueOnError)
		fs.SetOutput(os.Stderr)
		var body cronAddBody
		var at string
		fs.StringVar(&body.ID, "id", "", "job id (generated when empty)")
		fs.StringVar(&body.Name, "name", "", "job name")
		fs.StringVar(&body.Message, "message", "", "message sent to the agent")
		fs.Int64Var(&body.EverySeconds, "every", 0, "run every N seconds")
		fs.StringVar(&body.Expr, "cron", "", "cron expression, e.g. '0 9 * * *'")
		fs.StringVar(&body.TZ, "tz", "", "IANA time zone for -cron")
		fs.StringVar(&at, "at", "", "run once at an RFC 3339 time")
		fs.StringVar(&body.Channel, "channel", "", "deliver replies to this channel")
		fs.StringVar(&body.ChatID, "chat-id", "", "deliver replies to this chat")
		fs.BoolVar(&body.Silent, "silent", false, "run without delivering the reply")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		if at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid -at %q: want RFC 3339, e.g. 2026-03-01T09:00:00+08:00\n", at)
				return 2
			}
			body.At = t
		}
		set := 0
		for _, ok := range []bool{body.EverySeconds != 0, body.Expr != "", !body.At.IsZero()} {
			if ok {
				set++
			}
		}
		if set != 1 || strings.TrimSpace(body.Message) == "" {
			fmt.Fprintln(os.Stderr, "usage: gorelay cron add -message <text> (-every <seconds> | -cron <expr> [-tz <zone>] | -at <time>) [-name <name>] [-channel <ch> -chat-id <id>] [-silent]")
			return 2
		}
		var job cron.Job
		if err := c.do(ctx, http.MethodPost, "/api/cron", body, &job); err != nil {
			fmt.Fprintf(os.Stderr, "add failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "added %s (%s), next run %s\n", job.ID, job.Schedule, formatTime(job.NextRunAt))
		return 0

	case "remove", "enable", "disable", "run":
		if len(args) != 2 {
			fmt.Fprintf(os.Stderr, "usage: gorelay cron %s <id>\n", sub)
			return 2
		}
		id := url.PathEscape(args[1])
		var err error
		switch sub {
		case "remove":
			err = c.do(ctx, http.MethodDelete, "/api/cron/"+id, nil, nil)
		case "run":
			var out struct {
				Error string `json:"error"`
			}
			err = c.do(ctx, http.MethodPost, "/api/cron/"+id+"/run", nil, &out)
			if err == nil && out.Error != "" {
				err = fmt.Errorf("%s", out.Error)
			}
		default:
			err = c.do(ctx, http.MethodPost, "/api/cron/"+id+"/"+sub, nil, nil)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", sub, err)
			return 1
		}
		fmt.Fprintf(stdout, "%s %s: ok\n", sub, args[1])
		return 0
	}

	fmt.Fprintln(os.Stderr, cronUsage)
	return 2
}

func printJobs(w io.Writer, jobs []cron.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no cron jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tNEXT RUN\tENABLED\tRUNS")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\n", j.ID, j.Name, j.Schedule, formatTime(j.NextRunAt), j.Enabled, j.RunCount)
	}
	_ = tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

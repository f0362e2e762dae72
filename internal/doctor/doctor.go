// Package doctor runs the startup diagnostics behind "gorelay doctor".
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	return slices.ContainsFunc(d.Results, func(r CheckResult) bool { return r.Status == StatusFail })
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every check. loadErr is the error config.Load returned, if any;
// cfg may still hold the partially loaded values.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkAgent,
		checkWorkspace,
		checkDatabase,
		checkPermissions,
		checkChannels,
		checkAgentSocket,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: loadErr.Error(), Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (mode %s)", cfg.HomeDir, cfg.Driver.Mode)}
}

func checkAgent(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent", Status: StatusSkip, Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.Driver.AgentPath)
	if err != nil {
		return CheckResult{
			Name:    "Agent",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found", cfg.Driver.AgentPath),
			Detail:  "Install the agent CLI or set driver.agent_path in config.yaml",
		}
	}

	vctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(vctx, path, "--version").CombinedOutput()
	if err != nil {
		return CheckResult{Name: "Agent", Status: StatusWarn, Message: fmt.Sprintf("%s --version failed: %v", path, err), Detail: firstLine(string(out))}
	}
	return CheckResult{Name: "Agent", Status: StatusPass, Message: fmt.Sprintf("%s %s", path, firstLine(string(out)))}
}

func checkWorkspace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Workspace", Status: StatusSkip, Message: "Config missing"}
	}
	ws := cfg.Driver.Workspace
	fi, err := os.Stat(ws)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return CheckResult{Name: "Workspace", Status: StatusWarn, Message: fmt.Sprintf("%s does not exist", ws), Detail: "It is created on first start"}
	case err != nil:
		return CheckResult{Name: "Workspace", Status: StatusFail, Message: err.Error()}
	case !fi.IsDir():
		return CheckResult{Name: "Workspace", Status: StatusFail, Message: fmt.Sprintf("%s is not a directory", ws)}
	}

	var missing []string
	for _, name := range []string{"AGENTS.md", "HEARTBEAT.md"} {
		if _, err := os.Stat(filepath.Join(ws, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Workspace", Status: StatusWarn, Message: ws, Detail: "missing " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "Workspace", Status: StatusPass, Message: ws}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	jobs, err := store.ListCronJobs(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("%d sessions, %d cron jobs", len(sessions), len(jobs))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: StatusSkip, Message: "Config missing"}
	}
	var enabled []string
	for name, ch := range cfg.Channels.ByName() {
		if ch.Enabled {
			enabled = append(enabled, name)
		}
	}
	if len(enabled) == 0 {
		return CheckResult{Name: "Channels", Status: StatusWarn, Message: "No channels enabled", Detail: "Only cron and heartbeat turns will run"}
	}
	slices.Sort(enabled)
	return CheckResult{Name: "Channels", Status: StatusPass, Message: strings.Join(enabled, ", ")}
}

// checkAgentSocket reports whether something already listens on the acp port.
// The gateway launches the agent itself, so a closed port is only informative.
func checkAgentSocket(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Driver.Mode != config.ModeSocket {
		return CheckResult{Name: "Agent Socket", Status: StatusSkip, Message: "Not in acp mode"}
	}
	addr := net.JoinHostPort(cfg.Driver.Host, strconv.Itoa(cfg.Driver.Port))
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dctx, "tcp", addr)
	if err != nil {
		return CheckResult{Name: "Agent Socket", Status: StatusPass, Message: fmt.Sprintf("%s free; the agent will be started on demand", addr)}
	}
	_ = conn.Close()
	return CheckResult{Name: "Agent Socket", Status: StatusWarn, Message: fmt.Sprintf("%s already in use", addr), Detail: "Another agent or process owns the port; the gateway will connect to it"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No remote channels enabled"}
	}
	host := "api.telegram.org"

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

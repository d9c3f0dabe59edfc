package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/agentexec/gateway/internal/config"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkTaskStoreWritable,
		checkDashboardSnapshotWritable,
		checkCLIBinary,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkTaskStoreWritable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Store", Status: "SKIP", Message: "Config missing"}
	}
	dir := filepath.Dir(cfg.TaskStorePath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "Task Store", Status: "FAIL", Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Task Store", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Task Store", Status: "PASS", Message: fmt.Sprintf("%s writable", dir)}
}

func checkDashboardSnapshotWritable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Dashboard Snapshot", Status: "SKIP", Message: "Config missing"}
	}
	dir := filepath.Dir(cfg.DashboardStatePath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "Dashboard Snapshot", Status: "FAIL", Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Dashboard Snapshot", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Dashboard Snapshot", Status: "PASS", Message: fmt.Sprintf("%s writable", dir)}
}

func checkCLIBinary(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.CLIBin == "" {
		return CheckResult{Name: "CLI Binary", Status: "SKIP", Message: "Config missing"}
	}
	path, err := exec.LookPath(cfg.CLIBin)
	if err != nil {
		return CheckResult{
			Name:    "CLI Binary",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found on PATH", cfg.CLIBin),
			Detail:  "Required by the Task Runner and Session Supervisor",
		}
	}

	cmd := exec.CommandContext(ctx, path, "--version")
	if err := cmd.Run(); err != nil {
		return CheckResult{
			Name:    "CLI Binary",
			Status:  "WARN",
			Message: fmt.Sprintf("%s found but --version failed: %v", path, err),
		}
	}
	return CheckResult{Name: "CLI Binary", Status: "PASS", Message: fmt.Sprintf("%s ok", path)}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	host := "api.anthropic.com"

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}

// Package diag runs the preflight checks behind the doctor command:
// configuration sanity, endpoint reachability, capture capabilities and
// a host snapshot.
package diag

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ArpitJ1993/CHEATS-APP/internal/capture"
	"github.com/ArpitJ1993/CHEATS-APP/internal/config"
	"github.com/ArpitJ1993/CHEATS-APP/internal/logging"
)

const reachTimeout = 5 * time.Second

// Check is one preflight result.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// HostInfo is the machine snapshot attached to a report.
type HostInfo struct {
	OS       string
	Platform string
	Arch     string
	CPUModel string
	CPUCount int
	MemoryMB uint64
}

// Report is the full doctor output.
type Report struct {
	Checks []Check
	Host   HostInfo
}

// OK reports whether every check passed.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Format renders the report for terminal output.
func (r Report) Format() string {
	var b strings.Builder
	for _, c := range r.Checks {
		mark := "ok  "
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %-18s %s\n", mark, c.Name, c.Detail)
	}
	fmt.Fprintf(&b, "\nhost: %s %s (%s), %d cpus", r.Host.Platform, r.Host.OS, r.Host.Arch, r.Host.CPUCount)
	if r.Host.CPUModel != "" {
		fmt.Fprintf(&b, " (%s)", r.Host.CPUModel)
	}
	fmt.Fprintf(&b, ", %d MB memory\n", r.Host.MemoryMB)
	return b.String()
}

// Run executes every preflight check against the given config and
// capture surface. Failures are reported, never fatal.
func Run(ctx context.Context, cfg *config.Config, surface *capture.Surface) Report {
	log := logging.L("diag")
	var report Report

	report.Checks = append(report.Checks, checkAPIKey(cfg))
	report.Checks = append(report.Checks, checkAPIRoot(ctx, cfg))
	report.Checks = append(report.Checks, checkCapabilities(surface)...)
	report.Checks = append(report.Checks, checkDevices(ctx, surface))
	if runtime.GOOS != "windows" {
		report.Checks = append(report.Checks, checkFFmpeg(cfg))
	}
	report.Host = hostSnapshot(ctx)

	for _, c := range report.Checks {
		if !c.OK {
			log.Warn("preflight check failed", "check", c.Name, "detail", c.Detail)
		}
	}
	return report
}

func checkAPIKey(cfg *config.Config) Check {
	if cfg.APIKey == "" {
		return Check{Name: "api key", OK: false, Detail: "not configured (set api_key or CHEATS_API_KEY)"}
	}
	return Check{Name: "api key", OK: true, Detail: "present"}
}

func checkAPIRoot(ctx context.Context, cfg *config.Config) Check {
	ctx, cancel := context.WithTimeout(ctx, reachTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.APIRoot+"/v1/realtime", nil)
	if err != nil {
		return Check{Name: "api root", OK: false, Detail: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Check{Name: "api root", OK: false, Detail: fmt.Sprintf("%s unreachable: %v", cfg.APIRoot, err)}
	}
	resp.Body.Close()
	// Any HTTP response means the endpoint resolves and answers; auth
	// failures are expected on a bare HEAD.
	return Check{Name: "api root", OK: true, Detail: fmt.Sprintf("%s answered (%d)", cfg.APIRoot, resp.StatusCode)}
}

func checkCapabilities(surface *capture.Surface) []Check {
	var checks []Check

	micOK := surface != nil && surface.Microphone != nil
	detail := "capture available"
	if !micOK {
		detail = "host exposes no microphone capture"
	}
	checks = append(checks, Check{Name: "microphone", OK: micOK, Detail: detail})

	strategy := capture.SelectStrategy(surface)
	switch strategy {
	case capture.StrategyDirectEnumeration:
		checks = append(checks, Check{
			Name:   "system audio",
			OK:     true,
			Detail: "native loopback device (direct enumeration)",
		})
	default:
		ok := surface != nil && surface.EnableLoopback != nil &&
			surface.DisableLoopback != nil && surface.DisplayMedia != nil
		detail := "loopback intercept available"
		if !ok {
			detail = "no native loopback and no intercept capability"
		}
		checks = append(checks, Check{Name: "system audio", OK: ok, Detail: detail})
	}
	return checks
}

func checkDevices(ctx context.Context, surface *capture.Surface) Check {
	if surface == nil || surface.ListDevices == nil {
		return Check{Name: "devices", OK: false, Detail: "host cannot enumerate devices"}
	}
	devices, err := surface.ListDevices(ctx)
	if err != nil {
		return Check{Name: "devices", OK: false, Detail: err.Error()}
	}
	return Check{Name: "devices", OK: true, Detail: fmt.Sprintf("%d capture endpoints", len(devices))}
}

func checkFFmpeg(cfg *config.Config) Check {
	path := cfg.FFmpegPath
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{Name: "ffmpeg", OK: false, Detail: fmt.Sprintf("%q not found (set ffmpeg_path)", path)}
	}
	return Check{Name: "ffmpeg", OK: true, Detail: resolved}
}

func hostSnapshot(ctx context.Context) HostInfo {
	info := HostInfo{Arch: runtime.GOARCH, CPUCount: runtime.NumCPU()}

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info.OS = hi.PlatformVersion
		info.Platform = hi.Platform
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryMB = vm.Total / 1024 / 1024
	}
	return info
}

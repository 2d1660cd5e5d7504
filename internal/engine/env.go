package engine

import (
	"context"
	"log/slog"
	"os"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostname falls back to os.Hostname when gopsutil cannot read host info
func hostname(ctx context.Context) string {
	if info, err := host.InfoWithContext(ctx); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	name, _ := os.Hostname()
	return name
}

// logEnvironment writes one line describing the machine the run starts on
func logEnvironment(ctx context.Context, logger *slog.Logger) {
	attrs := []any{"go", runtime.Version(), "cpus", runtime.NumCPU(), "pid", os.Getpid()}
	if info, err := host.InfoWithContext(ctx); err == nil {
		attrs = append(attrs,
			"host", info.Hostname,
			"platform", info.Platform+" "+info.PlatformVersion,
			"kernel", info.KernelVersion)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		attrs = append(attrs,
			"mem_total", humanize.IBytes(vm.Total),
			"mem_available", humanize.IBytes(vm.Available))
	}
	logger.Info("environment", attrs...)
}

package limits

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/stepseq/stepseq/internal/monitoring"
)

// ResourceGuard enforces static admission limits. It never auto-adjusts:
// limits come from configuration, measurements only decide whether the
// current attempt is admitted.
type ResourceGuard struct {
	maxConnections int
	cpuThreshold   float64
	memoryLimit    int64

	logger zerolog.Logger

	currentConns atomic.Int64

	// Sampled in the background; admission reads are lock-free.
	currentCPU    atomic.Value // float64
	currentMemory atomic.Int64

	proc *process.Process
	stop chan struct{}
}

// GuardConfig configures a ResourceGuard.
type GuardConfig struct {
	MaxConnections int
	CPUThreshold   float64 // percent, 0 disables the check
	MemoryLimit    int64   // bytes, 0 disables the check
	SampleInterval time.Duration
}

// NewResourceGuard builds a guard and starts its sampling loop.
func NewResourceGuard(cfg GuardConfig, logger zerolog.Logger) *ResourceGuard {
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	g := &ResourceGuard{
		maxConnections: cfg.MaxConnections,
		cpuThreshold:   cfg.CPUThreshold,
		memoryLimit:    cfg.MemoryLimit,
		logger:         logger.With().Str("component", "resource_guard").Logger(),
		stop:           make(chan struct{}),
	}
	g.currentCPU.Store(float64(0))
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		g.proc = proc
	}
	go g.sampleLoop(cfg.SampleInterval)
	return g
}

// ShouldAccept reports whether a new connection may be admitted and, when
// not, the reason for rejection.
func (g *ResourceGuard) ShouldAccept() (bool, string) {
	if conns := g.currentConns.Load(); conns >= int64(g.maxConnections) {
		return false, fmt.Sprintf("connection limit reached (%d/%d)", conns, g.maxConnections)
	}
	if g.cpuThreshold > 0 {
		if cpuPct, _ := g.currentCPU.Load().(float64); cpuPct > g.cpuThreshold {
			return false, fmt.Sprintf("cpu %.1f%% above threshold %.1f%%", cpuPct, g.cpuThreshold)
		}
	}
	if g.memoryLimit > 0 {
		if mem := g.currentMemory.Load(); mem > g.memoryLimit {
			return false, fmt.Sprintf("memory %dMB above limit %dMB", mem/(1024*1024), g.memoryLimit/(1024*1024))
		}
	}
	return true, ""
}

// ConnectionOpened records an admitted connection.
func (g *ResourceGuard) ConnectionOpened() {
	g.currentConns.Add(1)
	monitoring.CurrentConnections.Inc()
}

// ConnectionClosed records a finished connection.
func (g *ResourceGuard) ConnectionClosed() {
	g.currentConns.Add(-1)
	monitoring.CurrentConnections.Dec()
}

// CurrentConnections returns the number of admitted connections.
func (g *ResourceGuard) CurrentConnections() int64 {
	return g.currentConns.Load()
}

func (g *ResourceGuard) sampleLoop(interval time.Duration) {
	defer monitoring.RecoverPanic(g.logger, "resource-guard-sampler", nil)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Non-blocking sample (interval 0): percent since last call.
			if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
				g.currentCPU.Store(pcts[0])
			}
			if g.proc != nil {
				if mem, err := g.proc.MemoryInfo(); err == nil {
					g.currentMemory.Store(int64(mem.RSS))
				}
			}
		case <-g.stop:
			return
		}
	}
}

// Stop terminates the sampling loop.
func (g *ResourceGuard) Stop() {
	close(g.stop)
}

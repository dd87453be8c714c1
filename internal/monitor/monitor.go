package monitor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"pylon/internal/models"
)

const topProcessCount = 5

// SystemMonitor periodically samples local host metrics.
type SystemMonitor struct {
	interval time.Duration
	log      zerolog.Logger

	mu     sync.RWMutex
	data   models.SystemData
	cached bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSystemMonitor creates a monitor sampling every interval.
func NewSystemMonitor(interval time.Duration, log zerolog.Logger) *SystemMonitor {
	if interval < 500*time.Millisecond {
		interval = time.Second
	}

	return &SystemMonitor{
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sampling loop in a goroutine.
func (m *SystemMonitor) Start() {
	go m.run()
}

// Stop requests graceful loop termination and waits until it is done.
func (m *SystemMonitor) Stop() {
	select {
	case <-m.doneCh:
		return
	default:
	}
	close(m.stopCh)
	<-m.doneCh
}

// Latest returns the most recent sample.
func (m *SystemMonitor) Latest() models.SystemData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := m.data
	out.Polled.TopProcesses = append([]models.ProcessInfo(nil), m.data.Polled.TopProcesses...)
	return out
}

// RunOnce takes a single sample and stores it. Individual collectors that
// fail leave their fields at zero.
func (m *SystemMonitor) RunOnce(ctx context.Context) models.SystemData {
	m.mu.RLock()
	cached, haveCached := m.data.Cached, m.cached
	m.mu.RUnlock()

	if !haveCached {
		cached = m.collectCached(ctx)
	}
	polled := m.collectPolled(ctx, &cached)

	m.mu.Lock()
	m.data = models.SystemData{Cached: cached, Polled: polled}
	m.cached = true
	m.mu.Unlock()

	return models.SystemData{Cached: cached, Polled: polled}
}

func (m *SystemMonitor) run() {
	defer close(m.doneCh)

	m.RunOnce(context.Background())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.interval)
			m.RunOnce(ctx)
			cancel()
		case <-m.stopCh:
			m.log.Debug().Msg("system monitor stopped")
			return
		}
	}
}

func (m *SystemMonitor) collectCached(ctx context.Context) models.CachedInfo {
	info := models.CachedInfo{OSVersion: "Unknown OS", Processor: "Unknown Processor"}

	if h, err := host.InfoWithContext(ctx); err != nil {
		m.log.Warn().Err(err).Msg("host info collection failed")
	} else {
		info.OSVersion = osVersion(h)
		info.BootTime = h.BootTime
	}

	if cpus, err := cpu.InfoWithContext(ctx); err != nil {
		m.log.Warn().Err(err).Msg("cpu info collection failed")
	} else if len(cpus) > 0 && cpus[0].ModelName != "" {
		info.Processor = strings.TrimSpace(cpus[0].ModelName)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.log.Warn().Err(err).Msg("memory collection failed")
	} else {
		info.TotalRAM = vm.Total
	}
	return info
}

func (m *SystemMonitor) collectPolled(ctx context.Context, cached *models.CachedInfo) models.PolledMetrics {
	var polled models.PolledMetrics

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		m.log.Debug().Err(err).Msg("cpu usage collection failed")
	} else if len(pct) > 0 {
		polled.CPUUsage = pct[0]
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil {
		speeds := make([]float64, 0, len(cpus))
		for _, c := range cpus {
			speeds = append(speeds, c.Mhz)
		}
		cached.AverageCPUSpeedMHz, cached.MaxCPUSpeedMHz = cpuSpeeds(speeds)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.log.Debug().Err(err).Msg("memory collection failed")
	} else {
		polled.UsedRAM = vm.Used
		polled.AvailableRAM = vm.Available
	}

	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		polled.SwapTotal = swap.Total
		polled.SwapUsed = swap.Used
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		polled.LoadAverage = models.LoadAverage{One: avg.Load1, Five: avg.Load5, Fifteen: avg.Load15}
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		polled.Uptime = up
	}

	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		polled.NetworkReceived = counters[0].BytesRecv
		polled.NetworkTransmitted = counters[0].BytesSent
	}

	capacity, free := m.diskTotals(ctx)
	cached.DiskCapacity = capacity
	cached.DiskUsage = capacity - free
	polled.DiskFree = free
	if capacity > 0 {
		polled.DiskUsagePercent = float64(capacity-free) / float64(capacity)
	}

	polled.TopProcesses = m.topProcesses(ctx)
	return polled
}

func (m *SystemMonitor) diskTotals(ctx context.Context) (capacity, free uint64) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		m.log.Debug().Err(err).Msg("disk partition listing failed")
		return 0, 0
	}

	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		if _, dup := seen[p.Device]; dup {
			continue
		}
		seen[p.Device] = struct{}{}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		capacity += usage.Total
		free += usage.Free
	}
	if free > capacity {
		free = capacity
	}
	return capacity, free
}

func (m *SystemMonitor) topProcesses(ctx context.Context) []models.ProcessInfo {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("process listing failed")
		return nil
	}

	samples := make([]models.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		memInfo, err := p.MemoryInfoWithContext(ctx)
		if err != nil || memInfo == nil {
			continue
		}
		name, _ := p.NameWithContext(ctx)
		samples = append(samples, models.ProcessInfo{PID: p.Pid, Name: name, Memory: memInfo.RSS})
	}
	return pickTop(samples, topProcessCount)
}

// pickTop returns the n processes using the most memory, largest first.
func pickTop(samples []models.ProcessInfo, n int) []models.ProcessInfo {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Memory > samples[j].Memory
	})
	if len(samples) > n {
		samples = samples[:n]
	}
	return samples
}

func cpuSpeeds(mhz []float64) (avg, peak uint64) {
	if len(mhz) == 0 {
		return 0, 0
	}
	var total float64
	var top float64
	for _, v := range mhz {
		total += v
		if v > top {
			top = v
		}
	}
	return uint64(total / float64(len(mhz))), uint64(top)
}

func osVersion(h *host.InfoStat) string {
	if content, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "PRETTY_NAME=") {
				return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), `"`)
			}
		}
	}
	if h.Platform == "" {
		return "Unknown OS"
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s", h.Platform, h.PlatformVersion))
}

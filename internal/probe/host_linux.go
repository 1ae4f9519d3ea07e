//go:build linux

package probe

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// ProcSampler reads host occupancy from procfs and statfs. CPU usage is the
// busy fraction since the previous sample; the first call primes the
// counters and reports 0.
type ProcSampler struct {
	DataDir string

	mu        sync.Mutex
	lastBusy  uint64
	lastTotal uint64
}

// NewProcSampler creates a sampler. dataDir selects the filesystem whose
// disk usage is reported.
func NewProcSampler(dataDir string) *ProcSampler {
	return &ProcSampler{DataDir: dataDir}
}

// Sample implements HostSampler.
func (p *ProcSampler) Sample(_ context.Context) (HostMetrics, error) {
	var m HostMetrics

	cpu, err := p.cpuPercent()
	if err != nil {
		return m, fmt.Errorf("cpu sample: %w", err)
	}
	m.CPUPercent = cpu

	mem, err := memPercent()
	if err != nil {
		return m, fmt.Errorf("memory sample: %w", err)
	}
	m.MemoryPercent = mem

	var fs syscall.Statfs_t
	if err := syscall.Statfs(p.DataDir, &fs); err != nil {
		return m, fmt.Errorf("statfs %s: %w", p.DataDir, err)
	}
	if fs.Blocks > 0 {
		m.DiskPercent = 100 * (1 - float64(fs.Bavail)/float64(fs.Blocks))
	}
	return m, nil
}

func (p *ProcSampler) cpuPercent() (float64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat line %q", line)
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, err
		}
		total += v
		// idle and iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}
	busy := total - idle

	p.mu.Lock()
	defer p.mu.Unlock()
	dBusy, dTotal := busy-p.lastBusy, total-p.lastTotal
	primed := p.lastTotal > 0
	p.lastBusy, p.lastTotal = busy, total
	if !primed || dTotal == 0 {
		return 0, nil
	}
	return 100 * float64(dBusy) / float64(dTotal), nil
}

func memPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("no MemTotal in /proc/meminfo")
	}
	return 100 * (1 - available/total), nil
}

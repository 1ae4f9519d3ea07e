//go:build !linux

package probe

import "context"

// ProcSampler is a no-op outside Linux: zero metrics, so the host probe
// never fires. Safe default, same as reporting an unthrottled host.
type ProcSampler struct {
	DataDir string
}

// NewProcSampler creates a sampler for the given data directory.
func NewProcSampler(dataDir string) *ProcSampler {
	return &ProcSampler{DataDir: dataDir}
}

// Sample implements HostSampler.
func (p *ProcSampler) Sample(context.Context) (HostMetrics, error) {
	return HostMetrics{}, nil
}

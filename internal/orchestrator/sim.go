// Package orchestrator provides the in-process simulated orchestrator used
// when the control plane runs without a real platform behind it. Workloads
// live in memory; restarts and scales mutate state the probes and recovery
// engine can observe.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tiresense/tiresense/internal/domain"
)

// Sim implements domain.Orchestrator over an in-memory workload table.
type Sim struct {
	mu        sync.Mutex
	workloads map[string]*domain.Workload
}

// NewSim creates a simulator seeded with the given deployments, each
// Running with the listed replica count.
func NewSim(deployments map[string]int) *Sim {
	s := &Sim{workloads: make(map[string]*domain.Workload, len(deployments))}
	for name, replicas := range deployments {
		if replicas < 1 {
			replicas = 1
		}
		s.workloads[name] = &domain.Workload{
			Name:            name,
			Phase:           "Running",
			DesiredReplicas: replicas,
			CurrentReplicas: replicas,
		}
	}
	return s
}

// ListWorkloads returns all workloads sorted by name. The namespace is
// accepted for interface compatibility and ignored.
func (s *Sim) ListWorkloads(_ context.Context, _ string) ([]domain.Workload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Workload, 0, len(s.workloads))
	for _, w := range s.workloads {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RestartWorkload bumps the restart counter and leaves the workload Running.
func (s *Sim) RestartWorkload(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workloads[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, domain.ErrWorkloadNotFound)
	}
	w.RestartCount++
	w.Phase = "Running"
	w.CurrentReplicas = w.DesiredReplicas
	return nil
}

// ScaleWorkload sets the desired replica count; the simulator converges
// current to desired immediately.
func (s *Sim) ScaleWorkload(_ context.Context, name string, replicas int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workloads[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, domain.ErrWorkloadNotFound)
	}
	if replicas < 0 {
		return fmt.Errorf("scale %s to %d: negative replicas", name, replicas)
	}
	w.DesiredReplicas = replicas
	w.CurrentReplicas = replicas
	return nil
}

// DeleteInstance drops one replica. The workload self-heals on the next
// restart or scale, which is exactly what chaos rounds verify.
func (s *Sim) DeleteInstance(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workloads[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, domain.ErrWorkloadNotFound)
	}
	if w.CurrentReplicas > 0 {
		w.CurrentReplicas--
	}
	if w.CurrentReplicas == 0 {
		w.Phase = "Pending"
	}
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/tiresense/tiresense/internal/domain"
)

func TestSim_Lifecycle(t *testing.T) {
	ctx := context.Background()
	sim := NewSim(map[string]int{"gateway": 2, "frame-worker": 1})

	workloads, err := sim.ListWorkloads(ctx, "")
	if err != nil {
		t.Fatalf("ListWorkloads: %v", err)
	}
	if len(workloads) != 2 || workloads[0].Name != "frame-worker" {
		t.Fatalf("workloads = %+v, want sorted pair", workloads)
	}

	if err := sim.DeleteInstance(ctx, "frame-worker"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	workloads, _ = sim.ListWorkloads(ctx, "")
	if workloads[0].CurrentReplicas != 0 || workloads[0].Phase != "Pending" {
		t.Errorf("after delete = %+v, want 0 replicas Pending", workloads[0])
	}

	if err := sim.RestartWorkload(ctx, "frame-worker"); err != nil {
		t.Fatalf("RestartWorkload: %v", err)
	}
	workloads, _ = sim.ListWorkloads(ctx, "")
	if workloads[0].Phase != "Running" || workloads[0].CurrentReplicas != 1 || workloads[0].RestartCount != 1 {
		t.Errorf("after restart = %+v, want Running with 1 replica", workloads[0])
	}

	if err := sim.ScaleWorkload(ctx, "gateway", 3); err != nil {
		t.Fatalf("ScaleWorkload: %v", err)
	}
	workloads, _ = sim.ListWorkloads(ctx, "")
	if workloads[1].DesiredReplicas != 3 || workloads[1].CurrentReplicas != 3 {
		t.Errorf("after scale = %+v, want 3 replicas", workloads[1])
	}
}

func TestSim_UnknownWorkload(t *testing.T) {
	sim := NewSim(nil)
	if err := sim.RestartWorkload(context.Background(), "ghost"); !errors.Is(err, domain.ErrWorkloadNotFound) {
		t.Errorf("restart ghost = %v, want ErrWorkloadNotFound", err)
	}
}

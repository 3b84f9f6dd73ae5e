package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// Fake compute service for testing
type fakeCompute struct {
	mu      sync.Mutex
	err     error
	created int
	lastReq CreateOptions
	user    User
}

func (f *fakeCompute) Name() string {
	return "fake"
}

func (f *fakeCompute) CreateNodes(ctx context.Context, spec NodeSpec, user User, count int, opts CreateOptions) ([]Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	f.lastReq = opts
	f.user = user
	targets := make([]Target, count)
	for i := range targets {
		f.created++
		targets[i] = Target{
			ID:       fmt.Sprintf("%s-%d", opts.Group, f.created),
			Group:    opts.Group,
			Address:  fmt.Sprintf("192.0.2.%d", f.created),
			OSFamily: spec.OSFamily,
		}
	}
	return targets, nil
}

func createRequest(count int) CreateRequest {
	return CreateRequest{
		NodeSpec:  NodeSpec{Image: "ubuntu-24-04-x64", Size: "s-1vcpu-1gb", Region: "ams3", OSFamily: "ubuntu"},
		User:      User{Username: "deploy"},
		Count:     count,
		Group:     "web",
		Settings:  runActions(1),
		Bootstrap: runActions(2),
	}
}

func TestCreateTargets(t *testing.T) {
	compute := &fakeCompute{}
	executor := newFakeExecutor()

	var users []string
	var mu sync.Mutex
	req := createRequest(3)
	req.Settings = func(ctx context.Context, s *Session) (any, error) {
		mu.Lock()
		users = append(users, s.User.Username)
		mu.Unlock()
		return runActions(1)(ctx, s)
	}

	results, err := New().CreateTargets(context.Background(), NewSession(executor, nil), compute, req)
	if err != nil {
		t.Fatalf("CreateTargets() error = %v", err)
	}
	if len(results) != 9 {
		t.Fatalf("Expected 9 results, got %d", len(results))
	}

	counts := make(map[string]int)
	for i, r := range results {
		counts[r.Phase]++
		if i < 3 {
			if r.Phase != PhaseCreateNodes {
				t.Errorf("Result %d: expected phase %s, got %s", i, PhaseCreateNodes, r.Phase)
			}
			if r.Result != CreatedMarker {
				t.Errorf("Result %d: expected created marker, got %v", i, r.Result)
			}
			if len(r.ActionResults) != 0 {
				t.Errorf("Result %d: expected no actions, got %d", i, len(r.ActionResults))
			}
		}
	}
	for _, phase := range []string{PhaseCreateNodes, PhaseSettings, PhaseBootstrap} {
		if counts[phase] != 3 {
			t.Errorf("Expected 3 %s results, got %d", phase, counts[phase])
		}
	}

	if compute.lastReq.Group != "web" {
		t.Errorf("Expected group web, got %s", compute.lastReq.Group)
	}
	for _, u := range users {
		if u != "deploy" {
			t.Errorf("Expected session user deploy, got %s", u)
		}
	}
	if got := len(executor.getExecuted()); got != 9 {
		t.Errorf("Expected 9 executed actions, got %d", got)
	}
}

func TestCreateTargets_ComputeFailure(t *testing.T) {
	compute := &fakeCompute{err: errors.New("quota exceeded")}

	results, err := New().CreateTargets(context.Background(), nil, compute, createRequest(2))
	if err == nil {
		t.Fatal("Expected error when node creation fails")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeProvisioning {
		t.Errorf("Expected provisioning error, got %v", err)
	}
	if results != nil {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestCreateTargets_SettingsFault(t *testing.T) {
	var bootstrapRuns int32
	req := createRequest(2)
	req.Settings = failAfter("web-1", 1, errors.New("apt lock held"))
	req.Bootstrap = countingPlan(&bootstrapRuns, runActions(1))

	results, err := New().CreateTargets(context.Background(), NewSession(newFakeExecutor(), nil), &fakeCompute{}, req)
	pe, ok := AsPhaseError(err)
	if !ok {
		t.Fatalf("Expected *PhaseError, got %v", err)
	}
	if len(pe.Results) != 4 {
		t.Errorf("Expected creation and settings results, got %d", len(pe.Results))
	}
	if len(results) != 4 {
		t.Errorf("Expected 4 returned results, got %d", len(results))
	}
	if atomic.LoadInt32(&bootstrapRuns) != 0 {
		t.Error("Expected bootstrap never to run")
	}
}

func TestCreateTargets_SettingsDomainErrorContinues(t *testing.T) {
	req := createRequest(2)
	req.Settings = failAfter("web-1", 0, NewDomainError("hostname rejected", nil))

	results, err := New().CreateTargets(context.Background(), NewSession(newFakeExecutor(), nil), &fakeCompute{}, req)
	if err != nil {
		t.Fatalf("CreateTargets() error = %v", err)
	}
	if len(results) != 6 {
		t.Errorf("Expected 6 results, got %d", len(results))
	}
	if len(Errors(results)) != 1 {
		t.Errorf("Expected 1 domain error, got %d", len(Errors(results)))
	}
}

func TestCreateTargets_InvalidRequest(t *testing.T) {
	tests := []struct {
		name    string
		compute ComputeService
		mutate  func(*CreateRequest)
	}{
		{name: "nil compute", compute: nil, mutate: func(*CreateRequest) {}},
		{name: "zero count", compute: &fakeCompute{}, mutate: func(r *CreateRequest) { r.Count = 0 }},
		{name: "missing settings", compute: &fakeCompute{}, mutate: func(r *CreateRequest) { r.Settings = nil }},
		{name: "missing bootstrap", compute: &fakeCompute{}, mutate: func(r *CreateRequest) { r.Bootstrap = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := createRequest(1)
			tt.mutate(&req)

			if _, err := New().CreateTargets(context.Background(), nil, tt.compute, req); err == nil {
				t.Error("Expected error for invalid request")
			}
			if fc, ok := tt.compute.(*fakeCompute); ok && fc.created != 0 {
				t.Errorf("Expected no nodes to be created, got %d", fc.created)
			}
		})
	}
}

package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openledger/ledgerstream/pkg/runner"
)

// fakeService records lifecycle calls into a shared journal.
type fakeService struct {
	name      string
	journal   *journal
	startErr  error
	healthErr error
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.journal.add("start:" + s.name)
	return nil
}

func (s *fakeService) Stop(context.Context) error {
	s.journal.add("stop:" + s.name)
	return nil
}

func (s *fakeService) HealthCheck(context.Context) error {
	return s.healthErr
}

func TestRunner_StartsAllThenStopsOnCancel(t *testing.T) {
	j := &journal{}
	a := &fakeService{name: "a", journal: j}
	b := &fakeService{name: "b", journal: j}

	r := runner.New([]runner.Service{a, b},
		runner.WithShutdownTimeout(2*time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Give startup a moment, then trigger shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not shut down")
	}

	entries := j.list()
	if len(entries) != 4 {
		t.Fatalf("journal = %v", entries)
	}
	if entries[0] != "start:a" || entries[1] != "start:b" {
		t.Errorf("startup order wrong: %v", entries[:2])
	}
	stopped := map[string]bool{entries[2]: true, entries[3]: true}
	if !stopped["stop:a"] || !stopped["stop:b"] {
		t.Errorf("missing stops: %v", entries[2:])
	}
}

func TestRunner_FailedStartStopsStartedServices(t *testing.T) {
	j := &journal{}
	a := &fakeService{name: "a", journal: j}
	b := &fakeService{name: "b", journal: j, startErr: errors.New("port in use")}

	r := runner.New([]runner.Service{a, b})

	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected startup error")
	}

	entries := j.list()
	want := []string{"start:a", "stop:a"}
	if len(entries) != len(want) || entries[0] != want[0] || entries[1] != want[1] {
		t.Errorf("journal = %v, want %v", entries, want)
	}
}

func TestRunner_HealthCheck(t *testing.T) {
	j := &journal{}
	healthy := &fakeService{name: "ok", journal: j}
	sick := &fakeService{name: "sick", journal: j, healthErr: errors.New("degraded")}

	if err := runner.New([]runner.Service{healthy}).HealthCheck(context.Background()); err != nil {
		t.Errorf("healthy runner reported: %v", err)
	}
	if err := runner.New([]runner.Service{healthy, sick}).HealthCheck(context.Background()); err == nil {
		t.Error("expected unhealthy report")
	}
}

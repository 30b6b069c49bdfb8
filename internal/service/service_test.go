package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/fabric"
)

// recordingSender captures every envelope handed to the fabric.
type recordingSender struct {
	mu    sync.Mutex
	sends []recordedSend
}

type recordedSend struct {
	env     fabric.Envelope
	targets []string
}

func (s *recordingSender) Send(_ context.Context, env fabric.Envelope, targets ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends = append(s.sends, recordedSend{env: env, targets: targets})
	return nil
}

func (s *recordingSender) byKind(kind fabric.Kind) []recordedSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedSend
	for _, rec := range s.sends {
		if rec.env.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// fakeService records lifecycle transitions and handled envelopes.
type fakeService struct {
	id       string
	startErr error
	log      *eventLog

	mu      sync.Mutex
	handled []fabric.Envelope
}

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (f *fakeService) ID() string { return f.id }

func (f *fakeService) Handle(_ context.Context, env fabric.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, env)
}

func (f *fakeService) handledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handled)
}

func (f *fakeService) Start(context.Context) error {
	f.log.add("start:" + f.id)
	return f.startErr
}

func (f *fakeService) Stop() {
	f.log.add("stop:" + f.id)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSupervisor_StartRegistersAndStopReverses(t *testing.T) {
	registry := fabric.NewRegistry(zerolog.Nop())
	sup := NewSupervisor(registry, 8, zerolog.Nop())

	log := &eventLog{}
	a := &fakeService{id: "a", log: log}
	b := &fakeService{id: "b", log: log}
	sup.Add(a)
	sup.Add(b)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	endpoints := registry.Endpoints()
	if len(endpoints) != 2 {
		t.Fatalf("Expected 2 registered endpoints, got %d", len(endpoints))
	}

	sup.Stop()

	if got := len(registry.Endpoints()); got != 0 {
		t.Errorf("Expected all endpoints deregistered after Stop, got %d", got)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	got := log.all()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestSupervisor_StartFailureUnwindsStartedServices(t *testing.T) {
	registry := fabric.NewRegistry(zerolog.Nop())
	sup := NewSupervisor(registry, 8, zerolog.Nop())

	log := &eventLog{}
	a := &fakeService{id: "a", log: log}
	b := &fakeService{id: "b", log: log, startErr: errors.New("boom")}
	sup.Add(a)
	sup.Add(b)

	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("Expected Start to propagate the service error")
	}

	got := log.all()
	want := []string{"start:a", "start:b", "stop:a"}
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	if got := len(registry.Endpoints()); got != 0 {
		t.Errorf("Expected endpoints deregistered after failed Start, got %d", got)
	}
}

func TestSupervisor_RegisterFailureUnwindsEarlierRegistrations(t *testing.T) {
	registry := fabric.NewRegistry(zerolog.Nop())
	sup := NewSupervisor(registry, 8, zerolog.Nop())

	log := &eventLog{}
	sup.Add(&fakeService{id: "a", log: log})
	sup.Add(&fakeService{id: "a", log: log}) // id collision fails registration

	err := sup.Start(context.Background())
	if err == nil {
		t.Fatal("Expected Start to propagate the registration error")
	}

	if got := len(registry.Endpoints()); got != 0 {
		t.Errorf("Expected earlier registration removed, got %d endpoints", got)
	}
	if got := log.all(); len(got) != 0 {
		t.Errorf("Expected no service lifecycle events, got %v", got)
	}
}

func TestSupervisor_PumpsBroadcastsExcludingSource(t *testing.T) {
	registry := fabric.NewRegistry(zerolog.Nop())
	sup := NewSupervisor(registry, 8, zerolog.Nop())

	log := &eventLog{}
	a := &fakeService{id: "a", log: log}
	b := &fakeService{id: "b", log: log}
	sup.Add(a)
	sup.Add(b)

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sup.Stop()

	env := fabric.Envelope{Kind: fabric.KindTokenDiscovery, ContextID: "0xAAA", SourceID: "a", SentAt: 1}
	if err := registry.Send(context.Background(), env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitFor(t, func() bool { return b.handledCount() == 1 }, "delivery to b")

	if got := a.handledCount(); got != 0 {
		t.Errorf("Expected source service to be excluded from its own broadcast, got %d envelopes", got)
	}
}

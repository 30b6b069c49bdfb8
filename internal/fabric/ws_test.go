package fabric

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"token-sentinel/internal/domain"
)

func testWSConfig() WSConfig {
	cfg := DefaultWSConfig()
	cfg.DialRetries = 2
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	return cfg
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitLen(t *testing.T, in *Inbox, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for in.Len() < want {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for %d envelopes, have %d", want, in.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGateway_RemoteRoundTrip(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	local := NewInbox("alert", 16)
	if err := registry.Register(local); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	srv := httptest.NewServer(NewGateway(registry, testWSConfig(), zerolog.Nop()))
	defer srv.Close()

	remote, err := Dial(context.Background(), wsURL(srv), "risk", testWSConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer remote.Close()

	// Remote to local: the frame lands in the local inbox via the registry.
	env := Envelope{
		Kind:      KindRiskReport,
		ContextID: "0xAAA",
		SourceID:  "risk",
		SentAt:    1,
		Payload:   &RiskReport{Evidence: domain.RiskEvidence{Address: "0xAAA", Chain: "solana", Score: 42, ObservedAt: 9}},
	}
	if err := remote.Send(context.Background(), env, "alert"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitLen(t, local, 1)

	got := <-localDrain(local)
	rep, ok := got.Payload.(*RiskReport)
	if !ok {
		t.Fatalf("Expected *RiskReport, got %T", got.Payload)
	}
	if got.Kind != KindRiskReport || rep.Evidence.Score != 42 {
		t.Errorf("Frame mangled in transit: %+v", got)
	}

	// Local to remote: a broadcast reaches the remote's inbox.
	back := Envelope{Kind: KindReanalysisRequest, ContextID: "0xAAA", SourceID: "alert", SentAt: 2,
		Payload: &ReanalysisRequest{Address: "0xAAA", Chain: "solana", Reason: "high_risk"}}
	if err := registry.Send(context.Background(), back, "risk"); err != nil {
		t.Fatalf("registry Send failed: %v", err)
	}
	waitLen(t, remote.Inbox(), 1)
}

func localDrain(in *Inbox) <-chan Envelope {
	out := make(chan Envelope, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		in.Run(ctx, func(env Envelope) {
			select {
			case out <- env:
			default:
			}
		})
	}()
	return out
}

func TestGateway_RemoteBroadcastExcludesSelf(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	local := NewInbox("alert", 16)
	registry.Register(local)

	srv := httptest.NewServer(NewGateway(registry, testWSConfig(), zerolog.Nop()))
	defer srv.Close()

	remote, err := Dial(context.Background(), wsURL(srv), "yield", testWSConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer remote.Close()

	env := Envelope{Kind: KindYieldReport, ContextID: "0xAAA", SourceID: "yield", SentAt: 1,
		Payload: &YieldReport{Evidence: domain.YieldEvidence{Address: "0xAAA", ObservedAt: 1}}}
	if err := remote.Send(context.Background(), env); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitLen(t, local, 1)
	time.Sleep(50 * time.Millisecond)
	if remote.Inbox().Len() != 0 {
		t.Error("Remote received its own broadcast back")
	}
}

func TestGateway_MalformedFramesDiscarded(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	local := NewInbox("alert", 16)
	registry.Register(local)

	srv := httptest.NewServer(NewGateway(registry, testWSConfig(), zerolog.Nop()))
	defer srv.Close()

	remote, err := Dial(context.Background(), wsURL(srv), "risk", testWSConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer remote.Close()

	// An unknown kind is dropped by the gateway without killing the stream.
	bad := Envelope{Kind: Kind("gossip"), SourceID: "risk", Payload: map[string]string{}}
	if err := remote.Send(context.Background(), bad); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	good := Envelope{Kind: KindRiskReport, ContextID: "0xAAA", SourceID: "risk", SentAt: 2,
		Payload: &RiskReport{Evidence: domain.RiskEvidence{Address: "0xAAA", ObservedAt: 2}}}
	if err := remote.Send(context.Background(), good, "alert"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	waitLen(t, local, 1)
}

func TestDial_ExhaustsRetries(t *testing.T) {
	cfg := testWSConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", "risk", cfg, zerolog.Nop())
	if err == nil {
		t.Fatal("Expected dial to fail against a dead address")
	}
}

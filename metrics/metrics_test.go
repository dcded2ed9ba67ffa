package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"dmsync/models"
)

func TestEngineCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	engine, err := NewEngine(reg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	engine.Fault("isolation", models.ChannelPoll)
	engine.Fault("isolation", models.ChannelPoll)
	engine.Duplicate(models.ChannelPush)
	engine.SendOutcome(models.ChannelPush, "sent")

	if got := testutil.ToFloat64(engine.faults.WithLabelValues("isolation", string(models.ChannelPoll))); got != 2 {
		t.Fatalf("expected 2 isolation faults, got %v", got)
	}
	if got := testutil.ToFloat64(engine.duplicates.WithLabelValues(string(models.ChannelPush))); got != 1 {
		t.Fatalf("expected 1 duplicate, got %v", got)
	}
	if got := testutil.ToFloat64(engine.sends.WithLabelValues(string(models.ChannelPush), "sent")); got != 1 {
		t.Fatalf("expected 1 sent, got %v", got)
	}
}

func TestEnginePushStateIsOneHot(t *testing.T) {
	engine, err := NewEngine(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	engine.PushState("open")
	for _, state := range pushStates {
		want := 0.0
		if state == "open" {
			want = 1
		}
		if got := testutil.ToFloat64(engine.pushState.WithLabelValues(state)); got != want {
			t.Fatalf("state %s: expected %v, got %v", state, want, got)
		}
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewRelay(reg); err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	if _, err := NewRelay(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	relay, err := NewRelay(reg)
	if err != nil {
		t.Fatalf("NewRelay failed: %v", err)
	}
	relay.Accepted.Inc()

	recorder := httptest.NewRecorder()
	Handler(reg).ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(recorder.Body.String(), "dmsync_relay_messages_accepted_total 1") {
		t.Fatalf("metrics output missing accepted counter:\n%s", recorder.Body.String())
	}
}

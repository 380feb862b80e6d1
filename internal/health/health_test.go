package health

import (
	"context"
	"testing"
)

func TestCheckAll_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses, got %d", len(statuses))
	}
}

func TestCheckAll_AggregatesFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("telephony", func(ctx context.Context) Status {
		return Status{Name: "telephony", Healthy: false, Detail: "provider unreachable"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("one failing checker should make the aggregate unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "provider unreachable" {
		t.Errorf("unexpected detail: %s", statuses[1].Detail)
	}
}

func TestCheckAll_PanickingCheckerIsUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(ctx context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("wallet", func(ctx context.Context) Status {
		panic("nil client")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("a panicking checker should make the aggregate unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Name != "wallet" || statuses[1].Healthy {
		t.Errorf("panicking checker should report unhealthy under its name, got %+v", statuses[1])
	}
	if statuses[1].Detail == "" {
		t.Error("panic detail should be recorded")
	}
}

func TestCheckAll_DefaultsStatusName(t *testing.T) {
	r := NewRegistry()
	r.Register("gateway", func(ctx context.Context) Status {
		return Status{Healthy: true}
	})

	_, statuses := r.CheckAll(context.Background())
	if len(statuses) != 1 || statuses[0].Name != "gateway" {
		t.Errorf("status should carry the registered name, got %+v", statuses)
	}
}

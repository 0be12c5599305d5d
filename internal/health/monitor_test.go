package health_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/health"
	"github.com/veritrail/veritrail/internal/regime"
)

func monitorFor(endpoint string) *health.Monitor {
	return health.NewMonitor(
		map[regime.ID]string{regime.RegimeA: endpoint},
		health.Config{ProbeTimeout: time.Second, FailThreshold: 2},
		zap.NewNop(),
	)
}

func statusOf(t *testing.T, m *health.Monitor) health.Status {
	t.Helper()
	statuses := m.Statuses()
	if len(statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(statuses))
	}
	return statuses[0]
}

func TestCheckAll_HealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	m := monitorFor(srv.URL)
	m.CheckAll(t.Context())

	st := statusOf(t, m)
	if !st.Healthy || st.FailCount != 0 {
		t.Errorf("status = %+v, want healthy", st)
	}
	if st.LastSeen.IsZero() {
		t.Error("last seen not recorded")
	}
}

func TestCheckAll_RejectingAuthorityIsStillUp(t *testing.T) {
	// A 405 on a bodiless probe means the endpoint is reachable.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	m := monitorFor(srv.URL)
	m.CheckAll(t.Context())

	if st := statusOf(t, m); !st.Healthy {
		t.Errorf("status = %+v, want healthy", st)
	}
}

func TestCheckAll_DegradesAtThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := monitorFor(srv.URL)

	m.CheckAll(t.Context())
	if st := statusOf(t, m); !st.Healthy {
		t.Fatalf("degraded after one failure: %+v", st)
	}

	m.CheckAll(t.Context())
	if st := statusOf(t, m); st.Healthy || st.FailCount != 2 {
		t.Errorf("status = %+v, want degraded at threshold", st)
	}
}

func TestCheckAll_RecoversOnSuccess(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	m := monitorFor(srv.URL)
	m.CheckAll(t.Context())
	m.CheckAll(t.Context())
	if st := statusOf(t, m); st.Healthy {
		t.Fatalf("expected degraded, got %+v", st)
	}

	failing.Store(false)
	m.CheckAll(t.Context())
	if st := statusOf(t, m); !st.Healthy || st.FailCount != 0 {
		t.Errorf("status = %+v, want recovered", st)
	}
}

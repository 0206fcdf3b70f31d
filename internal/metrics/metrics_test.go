package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"brandpulse/attendance/internal/location"
	"brandpulse/attendance/internal/session"
)

func TestObserveCountsEvents(t *testing.T) {
	m := New()
	m.Observe(session.Event{Kind: session.EventStateChanged, From: session.StateNotCheckedIn, State: session.StateCheckingIn})
	m.Observe(session.Event{
		Kind:  session.EventStateChanged,
		From:  session.StateCheckingIn,
		State: session.StateCheckedIn,
		Fix:   &location.Fix{Source: location.SourceCache},
	})
	m.Observe(session.Event{
		Kind:    session.EventFailed,
		From:    session.StateCheckingIn,
		State:   session.StateNotCheckedIn,
		Failure: &session.Failure{Reason: session.ReasonOutsideGeofence},
	})
	m.Observe(session.Event{Kind: session.EventCancelled, From: session.StateCheckingOut, State: session.StateCheckedIn})

	body := scrape(t, m)
	for _, sample := range []string{
		`attendance_agent_session_transitions_total{from="checking_in",to="checked_in"} 1`,
		`attendance_agent_session_failures_total{reason="outside_geofence"} 1`,
		`attendance_agent_session_cancellations_total 1`,
		`attendance_agent_location_fixes_total{source="cache"} 1`,
	} {
		if !strings.Contains(body, sample) {
			t.Fatalf("expected %s in:\n%s", sample, body)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestHandlerExposesInstrumentedTransport(t *testing.T) {
	m := New()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer upstream.Close()

	client := &http.Client{Transport: m.InstrumentTransport(nil)}
	resp, err := client.Post(upstream.URL, "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	body := scrape(t, m)
	if !strings.Contains(body, `attendance_agent_api_request_duration_seconds_count{code="202",method="post"} 1`) {
		t.Fatalf("expected api duration sample, got:\n%s", body)
	}
}

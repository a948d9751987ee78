package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollectorExposesRegisteredMetrics(t *testing.T) {
	c := New("coordinator_test")
	c.SetRoundHeight(3)
	c.SetChunksComplete(5)
	c.IncContribution()
	c.IncContribution()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "coordinator_test_round_height 3") {
		t.Errorf("expected round_height gauge in output, got:\n%s", body)
	}
	if !strings.Contains(body, "coordinator_test_contributions_total 2") {
		t.Errorf("expected contributions_total counter == 2, got:\n%s", body)
	}
}

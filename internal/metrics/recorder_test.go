package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	r := NewPrometheusRecorder()
	r.ObserveCommand("alpha", "sprint.start", "applied", "", 10*time.Millisecond)
	r.ObserveCommand("alpha", "sprint.start", "applied", "", 5*time.Millisecond)
	r.ObserveCommand("alpha", "epic", "rejected", "PermissionDenied", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.commandsTotal.WithLabelValues("alpha", "sprint.start", "applied", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.commandsTotal.WithLabelValues("alpha", "epic", "rejected", "PermissionDenied")))

	r.ObserveLockWait("alpha", "workunit:S-1", time.Millisecond)
	r.ObserveLockWait("alpha", "workunit:S-2", time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(r.lockWait))

	r.SetActiveProjects(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.activeProjects))
	r.SetSessions("alpha", 3)
	r.SetSessions("alpha", 0)
	assert.Equal(t, 0, testutil.CollectAndCount(r.sessions))
}

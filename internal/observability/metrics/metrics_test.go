package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersBeforeInitAreNoops(t *testing.T) {
	if ingestRequests != nil {
		t.Skip("metrics already initialised")
	}
	ObserveIngest("mqtt", "accepted", time.Millisecond)
	IncFanoutDropped("sse")
	AddBufferDropped(3)
}

func TestIngestCounters(t *testing.T) {
	Init(nil, nil)

	before := testutil.ToFloat64(ingestRequests.WithLabelValues("webhook", "rejected"))
	ObserveIngest("webhook", "rejected", 2*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(ingestRequests.WithLabelValues("webhook", "rejected")))

	before = testutil.ToFloat64(ingestRejections.WithLabelValues("webhook", "unknown"))
	IncIngestRejected("webhook", "")
	assert.Equal(t, before+1, testutil.ToFloat64(ingestRejections.WithLabelValues("webhook", "unknown")))

	before = testutil.ToFloat64(ingestDuplicates.WithLabelValues("mqtt"))
	IncIngestDuplicate("mqtt")
	assert.Equal(t, before+1, testutil.ToFloat64(ingestDuplicates.WithLabelValues("mqtt")))
}

func TestResultLabels(t *testing.T) {
	Init(nil, nil)

	ok := testutil.ToFloat64(bufferFlushes.WithLabelValues(resultSuccess))
	failed := testutil.ToFloat64(bufferFlushes.WithLabelValues(resultError))
	IncBufferFlush(nil)
	IncBufferFlush(errors.New("db down"))
	assert.Equal(t, ok+1, testutil.ToFloat64(bufferFlushes.WithLabelValues(resultSuccess)))
	assert.Equal(t, failed+1, testutil.ToFloat64(bufferFlushes.WithLabelValues(resultError)))

	SetBufferDepth(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(bufferDepth))

	dropped := testutil.ToFloat64(bufferDropped)
	AddBufferDropped(0)
	AddBufferDropped(2)
	assert.Equal(t, dropped+2, testutil.ToFloat64(bufferDropped))

	SetListenerState(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(listenerState))
}

func TestDBGaugeQueriesFollowTables(t *testing.T) {
	defaults := newDBTables()
	assert.Equal(t, "SELECT COUNT(*) FROM sensors WHERE is_active AND status = $1", defaults.sensorsByStatusQuery())
	assert.Equal(t, "SELECT COUNT(*) FROM readings", defaults.readingsQuery())

	custom := newDBTables(WithTables("airwatch.sensors", "aq_readings"))
	assert.Equal(t, "SELECT COUNT(*) FROM airwatch.sensors WHERE is_active AND status = $1", custom.sensorsByStatusQuery())
	assert.Equal(t, "SELECT COUNT(*) FROM aq_readings", custom.readingsQuery())

	partial := newDBTables(WithTables("", "aq_readings"))
	assert.Equal(t, "sensors", partial.sensors)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrementAndExpose(t *testing.T) {
	m := New()
	m.EventIngested()
	m.EventIngested()
	m.AddHBEdges(1)
	m.RacesDetected(1, 2, 3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.eventsIngested))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.hbEdges))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.racesHarmful))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.racesCommute))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.racesFiltered))
}

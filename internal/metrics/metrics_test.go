// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/vpcdp/internal/engine/headers"
	"grimm.is/vpcdp/internal/engine/layer"
	"grimm.is/vpcdp/internal/engine/parser"
	"grimm.is/vpcdp/internal/engine/port"
	"grimm.is/vpcdp/internal/engine/rule"
)

func newTestLayer(t *testing.T) *layer.Layer {
	t.Helper()
	return layer.New(layer.Config{Name: "fw", DefaultIn: rule.AllowAction{}, DefaultOut: rule.AllowAction{}})
}

func TestObserve_CountsProcessedAndUftOutcome(t *testing.T) {
	m := New()
	m.Observe("vnic0", headers.Out, port.Result{Kind: port.KindModified}, true)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsProcessed.WithLabelValues("vnic0", "out")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UftHits.WithLabelValues("vnic0", "out")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.UftMisses.WithLabelValues("vnic0", "out")))
}

func TestObserve_RecordsDropReason(t *testing.T) {
	m := New()
	m.Observe("vnic0", headers.In, port.Result{Kind: port.KindDrop, DropReason: "TcpErr"}, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsDropped.WithLabelValues("vnic0", "in", "TcpErr")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UftMisses.WithLabelValues("vnic0", "in")))
}

func TestObserve_FallsBackToKindStringWhenNoDropReason(t *testing.T) {
	m := New()
	m.Observe("vnic0", headers.Out, port.Result{Kind: port.KindBadState}, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsDropped.WithLabelValues("vnic0", "out", port.KindBadState.String())))
}

func TestObserve_CountsHairpin(t *testing.T) {
	m := New()
	m.Observe("vnic0", headers.Out, port.Result{Kind: port.KindHairpin}, false)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.PacketsHairpin.WithLabelValues("vnic0", "out")))
}

func TestSampleFlows_SnapshotsUftAndLayerOccupancy(t *testing.T) {
	l := newTestLayer(t)
	p, err := port.NewBuilder("vnic0", headers.MacAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}).
		WithParser(parser.NewParser(false)).
		AddLayer(l).
		Build()
	require.NoError(t, err)

	m := New()
	m.SampleFlows("vnic0", p)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.UftFlows.WithLabelValues("vnic0", "out")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.LayerFlows.WithLabelValues("vnic0", "fw", "out")))
}

func TestDescribeAndCollect_DoNotPanicOnEmptyMetrics(t *testing.T) {
	m := New()

	descCh := make(chan *prometheus.Desc, 64)
	go func() {
		m.Describe(descCh)
		close(descCh)
	}()
	var descCount int
	for range descCh {
		descCount++
	}
	assert.Equal(t, 7, descCount)

	metricCh := make(chan prometheus.Metric, 64)
	go func() {
		m.Collect(metricCh)
		close(metricCh)
	}()
	for range metricCh {
	}
}

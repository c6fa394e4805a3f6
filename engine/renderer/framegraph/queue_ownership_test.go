package framegraph

import (
	"testing"
	"time"

	"github.com/spaghettifunk/anima/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asyncFamilies = QueueFamilies{Graphics: 0, Compute: 1, Transfer: 2, HasCompute: true, HasTransfer: true}

func overlapWorkload(delta time.Duration) WorkloadMetrics {
	return WorkloadMetrics{ComputePassCount: 2, ComputeOverlapCount: 1, FrameDelta: delta}
}

func TestHeuristicPromotesAfterStableFrames(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	for i := 0; i < 7; i++ {
		mode, cfg := h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
		require.Equal(t, QueueModeGraphicsOnly, mode, "frame %d", i)
		require.True(t, cfg.IsDefault())
	}
	mode, cfg := h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
	assert.Equal(t, QueueModeGraphicsCompute, mode)
	assert.Equal(t, uint32(1), cfg.FamilyForStage(metadata.PassStageCompute))
	assert.Equal(t, uint32(0), cfg.FamilyForStage(metadata.PassStageTransfer))
}

func TestHeuristicHysteresisResetsOnUnhealthyFrame(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	for i := 0; i < 7; i++ {
		h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
	}
	costly := overlapWorkload(10 * time.Millisecond)
	costly.BarrierStageFlushes = 2000
	mode, _ := h.Evaluate(QueuePreferenceAuto, asyncFamilies, costly)
	assert.Equal(t, QueueModeGraphicsOnly, mode)

	for i := 0; i < 7; i++ {
		mode, _ = h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
		assert.Equal(t, QueueModeGraphicsOnly, mode, "healthy frame %d after reset", i)
	}
	mode, _ = h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
	assert.Equal(t, QueueModeGraphicsCompute, mode)
}

func TestHeuristicSlowFramesBlockPromotion(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	for i := 0; i < 32; i++ {
		mode, _ := h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(50*time.Millisecond))
		assert.Equal(t, QueueModeGraphicsOnly, mode)
	}
}

func TestHeuristicPromotesToTransfer(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	m := overlapWorkload(8 * time.Millisecond)
	m.TransferUsageCount = 6

	var mode QueueOwnershipMode
	frames := 0
	for mode != QueueModeGraphicsComputeTransfer && frames < 100 {
		mode, _ = h.Evaluate(QueuePreferenceAuto, asyncFamilies, m)
		frames++
	}
	assert.Equal(t, QueueModeGraphicsComputeTransfer, mode)
	assert.Equal(t, 8+16, frames)
}

func TestHeuristicDemotesOnRegression(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	for i := 0; i < 8; i++ {
		h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
	}
	require.Equal(t, QueueModeGraphicsCompute, h.Mode())

	// not before the demotion window has passed
	slow := overlapWorkload(30 * time.Millisecond)
	for i := 0; i < 11; i++ {
		mode, _ := h.Evaluate(QueuePreferenceAuto, asyncFamilies, slow)
		require.Equal(t, QueueModeGraphicsCompute, mode, "frame %d in mode", i+1)
	}
	mode, cfg := h.Evaluate(QueuePreferenceAuto, asyncFamilies, slow)
	assert.Equal(t, QueueModeGraphicsOnly, mode)
	assert.True(t, cfg.IsDefault())
}

func TestHeuristicDemotesOnSingleSlowFrame(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	for i := 0; i < 8; i++ {
		h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
	}
	require.Equal(t, QueueModeGraphicsCompute, h.Mode())
	for i := 0; i < 12; i++ {
		mode, _ := h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
		require.Equal(t, QueueModeGraphicsCompute, mode)
	}

	// within 15% of the entry frame is not a regression
	mode, _ := h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(11*time.Millisecond))
	require.Equal(t, QueueModeGraphicsCompute, mode)

	mode, cfg := h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(12*time.Millisecond))
	assert.Equal(t, QueueModeGraphicsOnly, mode)
	assert.True(t, cfg.IsDefault())
}

func TestHeuristicDemotesOnOwnershipChurn(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	for i := 0; i < 20; i++ {
		h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
	}
	require.Equal(t, QueueModeGraphicsCompute, h.Mode())
	churn := overlapWorkload(10 * time.Millisecond)
	churn.OwnershipTransfers = 300
	mode, _ := h.Evaluate(QueuePreferenceAuto, asyncFamilies, churn)
	assert.Equal(t, QueueModeGraphicsOnly, mode)
}

// A workload alternating between good and bad frames must not flip modes
// every frame.
func TestHeuristicDoesNotOscillate(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	changes := 0
	last := h.Mode()
	for i := 0; i < 400; i++ {
		m := overlapWorkload(12 * time.Millisecond)
		if i%2 == 1 {
			m.OwnershipTransfers = 300
		}
		mode, _ := h.Evaluate(QueuePreferenceAuto, asyncFamilies, m)
		if mode != last {
			changes++
			last = mode
		}
	}
	// every mode lasts at least one promotion or demotion window
	assert.LessOrEqual(t, changes, 400/8)
}

func TestHeuristicExplicitPreference(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	for i := 0; i < 20; i++ {
		h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
	}
	mode, cfg := h.Evaluate(QueuePreferenceGraphicsComputeTransfer, asyncFamilies, WorkloadMetrics{})
	assert.Equal(t, QueueModeGraphicsComputeTransfer, mode)
	assert.Equal(t, uint32(2), cfg.TransferFamily)

	// back to auto starts from scratch
	mode, _ = h.Evaluate(QueuePreferenceAuto, asyncFamilies, overlapWorkload(10*time.Millisecond))
	assert.Equal(t, QueueModeGraphicsOnly, mode)
	_, valid := h.FrameTimeEMA()
	assert.True(t, valid)
}

func TestHeuristicRespectsDeviceCapabilities(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	shared := QueueFamilies{Graphics: 0, Compute: 0, HasCompute: true}
	for i := 0; i < 40; i++ {
		mode, cfg := h.Evaluate(QueuePreferenceAuto, shared, overlapWorkload(5*time.Millisecond))
		assert.Equal(t, QueueModeGraphicsOnly, mode)
		assert.True(t, cfg.IsDefault())
	}

	cfg := ConfigForMode(QueueModeGraphicsComputeTransfer, QueueFamilies{Graphics: 0, Compute: 1, HasCompute: true})
	assert.Equal(t, QueueOwnershipConfig{GraphicsFamily: 0, ComputeFamily: 1, TransferFamily: 0}, cfg)
}

func TestHeuristicDesiredMode(t *testing.T) {
	tests := []struct {
		name    string
		metrics WorkloadMetrics
		want    QueueOwnershipMode
	}{
		{"no compute", WorkloadMetrics{TransferUsageCount: 9}, QueueModeGraphicsOnly},
		{"single compute pass", WorkloadMetrics{ComputePassCount: 1}, QueueModeGraphicsOnly},
		{"single overlap candidate", WorkloadMetrics{ComputePassCount: 1, ComputeOverlapCount: 1}, QueueModeGraphicsCompute},
		{"two compute passes", WorkloadMetrics{ComputePassCount: 2}, QueueModeGraphicsCompute},
		{"transfers without compute overlap", WorkloadMetrics{ComputePassCount: 1, TransferUsageCount: 6}, QueueModeGraphicsOnly},
		{"transfers below threshold", WorkloadMetrics{ComputePassCount: 2, TransferUsageCount: 3}, QueueModeGraphicsCompute},
		{"transfers with compute", WorkloadMetrics{ComputePassCount: 2, TransferUsageCount: 4}, QueueModeGraphicsComputeTransfer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
			assert.Equal(t, tt.want, h.desired(tt.metrics))
		})
	}
}

func TestHeuristicPromotesTwoComputePasses(t *testing.T) {
	h := NewQueueOwnershipHeuristic(DefaultHeuristicTuning())
	m := WorkloadMetrics{ComputePassCount: 2, FrameDelta: 10 * time.Millisecond}
	var mode QueueOwnershipMode
	for i := 0; i < 40; i++ {
		mode, _ = h.Evaluate(QueuePreferenceAuto, asyncFamilies, m)
	}
	assert.Equal(t, QueueModeGraphicsCompute, mode)
}

func TestCollectWorkloadMetrics(t *testing.T) {
	passes := []metadata.RenderPassMetadata{
		pass(0, "HiZ-Build", metadata.PassStageCompute),
		pass(1, "particles", metadata.PassStageCompute),
		pass(2, "upload", metadata.PassStageTransfer,
			use("a", metadata.BufferRoleTransferDestination, metadata.AccessWrite),
			use("b", metadata.ImageRoleTransferSource, metadata.AccessRead)),
	}
	m := CollectWorkloadMetrics(passes, FrameTelemetry{QueueOwnershipTransferCount: 3, BarrierStageFlushCount: 4}, time.Millisecond)
	assert.Equal(t, 2, m.ComputePassCount)
	assert.Equal(t, 1, m.ComputeOverlapCount)
	assert.Equal(t, 2, m.TransferUsageCount)
	assert.Equal(t, 7, m.TransferCost())
}

func TestParseQueuePreference(t *testing.T) {
	p, ok := ParseQueuePreference("Graphics+Compute")
	assert.True(t, ok)
	assert.Equal(t, QueuePreferenceGraphicsCompute, p)
	_, ok = ParseQueuePreference("sideways")
	assert.False(t, ok)
}

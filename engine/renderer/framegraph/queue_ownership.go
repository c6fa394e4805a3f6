package framegraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/spaghettifunk/anima/engine/core"
	fgmath "github.com/spaghettifunk/anima/engine/math"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

// QueueFamilyIgnored marks a barrier that does not transfer queue ownership.
const QueueFamilyIgnored = ^uint32(0)

// QueueOwnershipMode is ordered: each level uses strictly more queues.
type QueueOwnershipMode uint8

const (
	QueueModeGraphicsOnly QueueOwnershipMode = iota
	QueueModeGraphicsCompute
	QueueModeGraphicsComputeTransfer
)

func (m QueueOwnershipMode) String() string {
	switch m {
	case QueueModeGraphicsOnly:
		return "graphics-only"
	case QueueModeGraphicsCompute:
		return "graphics+compute"
	case QueueModeGraphicsComputeTransfer:
		return "graphics+compute+transfer"
	}
	return fmt.Sprintf("QueueOwnershipMode(%d)", uint8(m))
}

// QueueOwnershipPreference is either Auto or a fixed mode.
type QueueOwnershipPreference uint8

const (
	QueuePreferenceAuto QueueOwnershipPreference = iota
	QueuePreferenceGraphicsOnly
	QueuePreferenceGraphicsCompute
	QueuePreferenceGraphicsComputeTransfer
)

func (p QueueOwnershipPreference) mode() QueueOwnershipMode {
	switch p {
	case QueuePreferenceGraphicsCompute:
		return QueueModeGraphicsCompute
	case QueuePreferenceGraphicsComputeTransfer:
		return QueueModeGraphicsComputeTransfer
	}
	return QueueModeGraphicsOnly
}

func (p QueueOwnershipPreference) String() string {
	if p == QueuePreferenceAuto {
		return "auto"
	}
	return p.mode().String()
}

// ParseQueuePreference accepts auto, graphics, graphics+compute and
// graphics+compute+transfer. Underscores may stand in for the plus signs.
func ParseQueuePreference(s string) (QueueOwnershipPreference, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "+") {
	case "", "auto":
		return QueuePreferenceAuto, true
	case "graphics", "graphics-only":
		return QueuePreferenceGraphicsOnly, true
	case "graphics+compute", "compute":
		return QueuePreferenceGraphicsCompute, true
	case "graphics+compute+transfer", "transfer", "all":
		return QueuePreferenceGraphicsComputeTransfer, true
	}
	return QueuePreferenceAuto, false
}

// QueueFamilies describes what the device exposes.
type QueueFamilies struct {
	Graphics    uint32
	Compute     uint32
	Transfer    uint32
	HasCompute  bool
	HasTransfer bool
}

func (f QueueFamilies) distinctCompute() bool {
	return f.HasCompute && f.Compute != f.Graphics
}

func (f QueueFamilies) distinctTransfer() bool {
	return f.HasTransfer && f.Transfer != f.Graphics
}

// maxMode is the highest mode the device can actually run.
func (f QueueFamilies) maxMode() QueueOwnershipMode {
	if !f.distinctCompute() {
		return QueueModeGraphicsOnly
	}
	if !f.distinctTransfer() {
		return QueueModeGraphicsCompute
	}
	return QueueModeGraphicsComputeTransfer
}

// QueueOwnershipConfig assigns a queue family to each pass classification.
type QueueOwnershipConfig struct {
	GraphicsFamily uint32
	ComputeFamily  uint32
	TransferFamily uint32
}

func DefaultQueueOwnership(graphics uint32) QueueOwnershipConfig {
	return QueueOwnershipConfig{GraphicsFamily: graphics, ComputeFamily: graphics, TransferFamily: graphics}
}

// IsDefault reports whether every pass runs on the graphics family.
func (c QueueOwnershipConfig) IsDefault() bool {
	return c.ComputeFamily == c.GraphicsFamily && c.TransferFamily == c.GraphicsFamily
}

func (c QueueOwnershipConfig) FamilyForStage(stage metadata.PassStage) uint32 {
	switch stage {
	case metadata.PassStageCompute:
		return c.ComputeFamily
	case metadata.PassStageTransfer:
		return c.TransferFamily
	}
	return c.GraphicsFamily
}

// ConfigForMode builds the assignment for a mode, never using a family the
// device does not expose separately from graphics.
func ConfigForMode(mode QueueOwnershipMode, families QueueFamilies) QueueOwnershipConfig {
	cfg := DefaultQueueOwnership(families.Graphics)
	if mode >= QueueModeGraphicsCompute && families.distinctCompute() {
		cfg.ComputeFamily = families.Compute
	}
	if mode >= QueueModeGraphicsComputeTransfer && families.distinctTransfer() {
		cfg.TransferFamily = families.Transfer
	}
	return cfg
}

// FrameTelemetry is fed back from the previous frame's submission.
type FrameTelemetry struct {
	QueueOwnershipTransferCount int
	BarrierStageFlushCount      int
}

// WorkloadMetrics summarizes one frame for the queue heuristic.
type WorkloadMetrics struct {
	ComputePassCount    int
	TransferUsageCount  int
	ComputeOverlapCount int
	FrameDelta          time.Duration
	OwnershipTransfers  int
	BarrierStageFlushes int
}

// TransferCost is the synchronization overhead the current mode produced.
func (m WorkloadMetrics) TransferCost() int {
	return m.OwnershipTransfers + m.BarrierStageFlushes
}

// overlapMarkers flag compute passes that typically run alongside graphics work.
var overlapMarkers = []string{"hiz", "occlusion", "indirect"}

// CollectWorkloadMetrics counts compute passes, transfer usages and overlap
// candidates and attaches the telemetry of the previous frame.
func CollectWorkloadMetrics(passes []metadata.RenderPassMetadata, telemetry FrameTelemetry, delta time.Duration) WorkloadMetrics {
	m := WorkloadMetrics{
		FrameDelta:          delta,
		OwnershipTransfers:  telemetry.QueueOwnershipTransferCount,
		BarrierStageFlushes: telemetry.BarrierStageFlushCount,
	}
	for i := range passes {
		p := &passes[i]
		if p.Stage == metadata.PassStageCompute {
			m.ComputePassCount++
			name := strings.ToLower(p.Name)
			for _, marker := range overlapMarkers {
				if strings.Contains(name, marker) {
					m.ComputeOverlapCount++
					break
				}
			}
		}
		for _, u := range p.Usages {
			if u.Role != nil && metadata.IsTransferRole(u.Role) {
				m.TransferUsageCount++
			}
		}
	}
	return m
}

// HeuristicTuning holds the hysteresis thresholds.
type HeuristicTuning struct {
	MinTransferUsages     int
	PromoteComputeFrames  int
	PromoteTransferFrames int
	DemoteMinFrames       int
	MaxFrameTime          time.Duration
	MaxPromotionCost      int
	RegressionFactor      float64
	MaxOwnershipTransfers int
	MaxStageFlushes       int
	EMAWeight             float64
}

func DefaultHeuristicTuning() HeuristicTuning {
	return HeuristicTuning{
		MinTransferUsages:     4,
		PromoteComputeFrames:  8,
		PromoteTransferFrames: 16,
		DemoteMinFrames:       12,
		MaxFrameTime:          40 * time.Millisecond,
		MaxPromotionCost:      1024,
		RegressionFactor:      1.15,
		MaxOwnershipTransfers: 256,
		MaxStageFlushes:       768,
		EMAWeight:             0.15,
	}
}

// QueueOwnershipHeuristic picks a queue mode per frame. Promotion needs a run
// of healthy frames; demotion needs a minimum time in the current mode.
type QueueOwnershipHeuristic struct {
	tuning HeuristicTuning

	mode           QueueOwnershipMode
	stableFrames   int
	framesInMode   int
	emaMillis      float64
	emaValid       bool
	modeEntryDelta time.Duration
}

func NewQueueOwnershipHeuristic(tuning HeuristicTuning) *QueueOwnershipHeuristic {
	return &QueueOwnershipHeuristic{tuning: tuning}
}

func (h *QueueOwnershipHeuristic) Mode() QueueOwnershipMode {
	return h.mode
}

// FrameTimeEMA returns the smoothed frame time and whether it has a sample yet.
func (h *QueueOwnershipHeuristic) FrameTimeEMA() (time.Duration, bool) {
	return time.Duration(h.emaMillis * float64(time.Millisecond)), h.emaValid
}

func (h *QueueOwnershipHeuristic) reset() {
	h.mode = QueueModeGraphicsOnly
	h.stableFrames = 0
	h.framesInMode = 0
	h.emaMillis = 0
	h.emaValid = false
	h.modeEntryDelta = 0
}

// enter switches modes and takes the raw frame delta of the switching frame
// as the regression baseline.
func (h *QueueOwnershipHeuristic) enter(mode QueueOwnershipMode, m WorkloadMetrics) {
	core.LogInfo("queue ownership: %s -> %s", h.mode, mode)
	h.mode = mode
	h.stableFrames = 0
	h.framesInMode = 0
	h.modeEntryDelta = m.FrameDelta
}

func (h *QueueOwnershipHeuristic) desired(m WorkloadMetrics) QueueOwnershipMode {
	computeWanted := m.ComputePassCount >= 1 && (m.ComputeOverlapCount >= 1 || m.ComputePassCount >= 2)
	switch {
	case !computeWanted:
		return QueueModeGraphicsOnly
	case m.TransferUsageCount >= h.tuning.MinTransferUsages:
		return QueueModeGraphicsComputeTransfer
	}
	return QueueModeGraphicsCompute
}

func (h *QueueOwnershipHeuristic) healthy(m WorkloadMetrics) bool {
	if m.TransferCost() >= h.tuning.MaxPromotionCost {
		return false
	}
	limit := float64(h.tuning.MaxFrameTime) / float64(time.Millisecond)
	return !h.emaValid || h.emaMillis < limit
}

func (h *QueueOwnershipHeuristic) regressed(m WorkloadMetrics) bool {
	// raw deltas, a single slow frame counts
	if h.modeEntryDelta > 0 && m.FrameDelta > 0 &&
		float64(m.FrameDelta) > float64(h.modeEntryDelta)*h.tuning.RegressionFactor {
		return true
	}
	return m.OwnershipTransfers > h.tuning.MaxOwnershipTransfers ||
		m.BarrierStageFlushes > h.tuning.MaxStageFlushes
}

// Evaluate advances the heuristic by one frame and returns the mode and queue
// assignment to plan with.
func (h *QueueOwnershipHeuristic) Evaluate(pref QueueOwnershipPreference, families QueueFamilies, m WorkloadMetrics) (QueueOwnershipMode, QueueOwnershipConfig) {
	if pref != QueuePreferenceAuto {
		h.reset()
		mode := pref.mode()
		return mode, ConfigForMode(mode, families)
	}

	if m.FrameDelta > 0 {
		sample := float64(m.FrameDelta) / float64(time.Millisecond)
		if !h.emaValid {
			h.emaMillis = sample
			h.emaValid = true
		} else {
			h.emaMillis = fgmath.Lerp(h.emaMillis, sample, h.tuning.EMAWeight)
		}
	}
	h.framesInMode++

	maxMode := families.maxMode()
	if h.mode > maxMode {
		h.enter(maxMode, m)
		return h.mode, ConfigForMode(h.mode, families)
	}

	if h.mode > QueueModeGraphicsOnly && h.framesInMode >= h.tuning.DemoteMinFrames && h.regressed(m) {
		h.enter(h.mode-1, m)
		return h.mode, ConfigForMode(h.mode, families)
	}

	target := h.desired(m)
	if target > maxMode {
		target = maxMode
	}
	if target <= h.mode {
		h.stableFrames = 0
		return h.mode, ConfigForMode(h.mode, families)
	}

	if !h.healthy(m) {
		h.stableFrames = 0
		return h.mode, ConfigForMode(h.mode, families)
	}
	h.stableFrames++
	next := h.mode + 1
	need := h.tuning.PromoteComputeFrames
	if next == QueueModeGraphicsComputeTransfer {
		need = h.tuning.PromoteTransferFrames
	}
	if h.stableFrames >= need {
		h.enter(next, m)
	}
	return h.mode, ConfigForMode(h.mode, families)
}

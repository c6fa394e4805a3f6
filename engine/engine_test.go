package engine

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/config"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const asyncGraph = `
log_level = "warn"
queue_mode = "graphics_compute"
sync_graph = true

[viewport]
width = 320
height = 200

[queues]
graphics = 0
compute = 1

[[resources]]
name = "Lit"
format = "rgba16f"

[[resources]]
name = "Hist"
kind = "buffer"
lifetime = "persistent"
bytes = 256

[[passes]]
index = 0
name = "lighting"

  [[passes.usages]]
  resource = "Lit"
  role = "color_attachment"
  access = "write"
  load = "clear"
  store = "store"

[[passes]]
index = 1
name = "histogram"
stage = "compute"

  [[passes.usages]]
  resource = "Lit"
  role = "sampled_texture"

  [[passes.usages]]
  resource = "Hist"
  role = "storage_buffer"
  access = "write"

[[passes]]
index = 2
name = "tonemap"

  [[passes.usages]]
  resource = "Hist"
  role = "uniform_buffer"
`

func parse(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(doc), config.FormatTOML)
	require.NoError(t, err)
	return cfg
}

func newEngine(t *testing.T, app *ApplicationConfig, hooks *Hooks) *Engine {
	t.Helper()
	if app == nil {
		app = &ApplicationConfig{Name: "test"}
	}
	e := NewWithConfig(app, parse(t, asyncGraph), hooks)
	require.NoError(t, e.Initialize())
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func TestEngineRunsFramesHeadless(t *testing.T) {
	var plans []*framegraph.FramePlan
	e := newEngine(t, nil, &Hooks{
		FnFramePlanned: func(frame uint64, plan *framegraph.FramePlan) error {
			assert.Equal(t, uint64(len(plans)+1), frame)
			plans = append(plans, plan)
			return nil
		},
	})
	assert.Equal(t, EngineStageInitialized, e.Stage())

	require.NoError(t, e.Run(context.Background(), 3))
	assert.Equal(t, EngineStageInitialized, e.Stage())

	require.Len(t, plans, 3)
	assert.False(t, plans[0].CacheHit)
	assert.True(t, plans[1].CacheHit)
	assert.True(t, plans[2].CacheHit)
	assert.Equal(t, framegraph.QueueModeGraphicsCompute, plans[0].Mode)
	assert.Equal(t, 2, plans[0].Barriers.Telemetry().QueueOwnershipTransferCount)

	stats := e.Planner().Stats()
	assert.Equal(t, uint64(3), stats.Frames)
	assert.Equal(t, uint64(2), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.Rebuilds)
	assert.Equal(t, plans[0].Barriers.Telemetry(), e.telemetry)
}

func TestRecordingFamiliesFollowReleaseOrder(t *testing.T) {
	var plan *framegraph.FramePlan
	e := newEngine(t, nil, &Hooks{
		FnFramePlanned: func(_ uint64, p *framegraph.FramePlan) error {
			plan = p
			return nil
		},
	})
	require.NoError(t, e.Run(context.Background(), 1))
	require.NotNil(t, plan)

	assert.Equal(t, []uint32{0}, recordingFamilies(plan.Barriers, 0))
	// graphics releases the lit image before compute acquires it
	assert.Equal(t, []uint32{0, 1}, recordingFamilies(plan.Barriers, 1))
	// compute releases the histogram before graphics acquires it
	assert.Equal(t, []uint32{1, 0}, recordingFamilies(plan.Barriers, 2))
	assert.Empty(t, recordingFamilies(plan.Barriers, 7))
}

func TestEngineReadbackHeadless(t *testing.T) {
	e := newEngine(t, &ApplicationConfig{Name: "test", Readback: []string{"lit", "hist"}}, nil)
	require.NoError(t, e.Run(context.Background(), 1))

	g, ok := e.Planner().Allocator().TryGetPhysicalGroupForResource("Lit")
	require.True(t, ok)
	assert.Equal(t, vk.ImageLayoutTransferSrcOptimal, g.LastKnownLayout)
}

func TestEngineReadbackUnknownResource(t *testing.T) {
	e := newEngine(t, &ApplicationConfig{Name: "test", Readback: []string{"missing"}}, nil)
	err := e.Run(context.Background(), 1)
	require.Error(t, err)
}

func TestEngineReload(t *testing.T) {
	reloads := 0
	e := newEngine(t, nil, &Hooks{
		FnReload: func(cfg *config.Config) error {
			reloads++
			return nil
		},
	})
	require.NoError(t, e.Run(context.Background(), 1))
	first := e.Planner().ID()

	// same planner settings, new viewport: the planner is kept and rebuilds
	resized := parse(t, asyncGraph)
	resized.Viewport.Width = 640
	e.Reload(resized)
	require.NoError(t, e.Run(context.Background(), 1))
	assert.Equal(t, first, e.Planner().ID())
	assert.Equal(t, uint64(2), e.Planner().Stats().Rebuilds)

	// new tuning needs a new planner, and the old one releases its objects
	retuned := parse(t, asyncGraph+"\n[tuning]\nmin_transfer_usages = 9\n")
	e.Reload(retuned)
	require.NoError(t, e.Run(context.Background(), 1))
	assert.NotEqual(t, first, e.Planner().ID())
	assert.Equal(t, 9, e.Config().HeuristicTuning().MinTransferUsages)
	assert.Equal(t, 2, reloads)

	device, ok := e.device.(*framegraph.HeadlessDevice)
	require.True(t, ok)
	assert.Equal(t, len(e.Planner().Allocator().Groups()), device.Live())
}

func TestEngineStages(t *testing.T) {
	shutdowns := 0
	e := NewWithConfig(&ApplicationConfig{Name: "test"}, parse(t, asyncGraph), &Hooks{
		FnShutdown: func() error {
			shutdowns++
			return nil
		},
	})
	assert.Equal(t, EngineStageUninitialized, e.Stage())
	assert.Error(t, e.Run(context.Background(), 1))

	require.NoError(t, e.Initialize())
	assert.Error(t, e.Initialize())

	require.NoError(t, e.Shutdown())
	assert.Equal(t, EngineStageUninitialized, e.Stage())
	require.NoError(t, e.Shutdown())
	assert.Equal(t, 1, shutdowns)

	device := e.device.(*framegraph.HeadlessDevice)
	assert.Zero(t, device.Live())
}

func TestHookErrorStopsRun(t *testing.T) {
	boom := errors.New("boom")
	frames := 0
	e := newEngine(t, nil, &Hooks{
		FnFramePlanned: func(uint64, *framegraph.FramePlan) error {
			frames++
			return boom
		},
	})
	err := e.Run(context.Background(), 5)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, frames)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	e := newEngine(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx, 0))
	assert.Zero(t, e.Planner().Stats().Frames)
}

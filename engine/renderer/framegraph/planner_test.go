package framegraph

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameInput(t *testing.T, registry *metadata.ResourceRegistry) FrameInput {
	t.Helper()
	return FrameInput{
		Passes:       threePassGraph(),
		Registry:     registry,
		Viewport:     Extent{Width: 800, Height: 600},
		Families:     asyncFamilies,
		Mode:         QueuePreferenceGraphicsOnly,
		UseSyncGraph: true,
		FrameDelta:   16 * time.Millisecond,
	}
}

func TestPlannerCachesPlans(t *testing.T) {
	device := NewHeadlessDevice()
	p := NewPlanner(device, DefaultPlannerConfig())
	reg := newRegistry(t, colorTexture("T"))
	in := frameInput(t, reg)

	first, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Len(t, p.GetBarriersForPass(1), 1)

	second, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Key, second.Key)
	assert.Same(t, first.Barriers, second.Barriers)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.CacheMisses)
	assert.Equal(t, uint64(1), stats.Compiles)
	assert.Equal(t, uint64(1), stats.Rebuilds)

	// a resize invalidates the plan and the physical resources
	in.Viewport = Extent{Width: 1024, Height: 768}
	third, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, uint64(2), p.Stats().Rebuilds)
	assert.Equal(t, 1, device.Live())

	// a registry change too
	require.NoError(t, reg.Register(colorTexture("extra")))
	fourth, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
	assert.Equal(t, 2, device.Live())
}

func TestPlannerQueueChangeReplansWithoutRebuild(t *testing.T) {
	p := NewPlanner(NewHeadlessDevice(), DefaultPlannerConfig())
	in := frameInput(t, newRegistry(t, colorTexture("T")))

	_, err := p.PrepareFrame(in)
	require.NoError(t, err)

	in.Mode = QueuePreferenceGraphicsCompute
	plan, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.False(t, plan.CacheHit)
	assert.Equal(t, uint64(1), p.Stats().Rebuilds)
	assert.Equal(t, 2, plan.Barriers.Telemetry().QueueOwnershipTransferCount)
	assert.Len(t, p.GetBarriersForPass(1), 2)
}

func TestPlannerSkipsDegenerateViewport(t *testing.T) {
	p := NewPlanner(NewHeadlessDevice(), DefaultPlannerConfig())
	in := frameInput(t, newRegistry(t, colorTexture("T")))
	in.Viewport = Extent{Width: 0, Height: 600}

	plan, err := p.PrepareFrame(in)
	assert.Nil(t, plan)
	assert.True(t, errors.Is(err, core.ErrDegenerateViewport))
	assert.Equal(t, uint64(1), p.Stats().SkippedFrame)
	assert.Nil(t, p.GetBarriersForPass(0))
}

func TestPlannerCommitsLayouts(t *testing.T) {
	p := NewPlanner(NewHeadlessDevice(), DefaultPlannerConfig())
	_, err := p.PrepareFrame(frameInput(t, newRegistry(t, colorTexture("T"))))
	require.NoError(t, err)

	g, ok := p.Allocator().TryGetPhysicalGroupForResource("T")
	require.True(t, ok)
	assert.Equal(t, vk.ImageLayoutColorAttachmentOptimal, g.LastKnownLayout)
}

func TestPlannerShutdown(t *testing.T) {
	device := NewHeadlessDevice()
	p := NewPlanner(device, DefaultPlannerConfig())
	_, err := p.PrepareFrame(frameInput(t, newRegistry(t, colorTexture("T"), storageBuffer("ssbo", 64))))
	require.NoError(t, err)
	assert.Equal(t, 2, device.Live())

	p.Shutdown()
	assert.Zero(t, device.Live())
	assert.Nil(t, p.GetBarriersForPass(0))
}

func TestPlannerStrictCycles(t *testing.T) {
	cfg := DefaultPlannerConfig()
	cfg.Compile.StrictCycles = true
	p := NewPlanner(NewHeadlessDevice(), cfg)
	in := frameInput(t, newRegistry(t, storageBuffer("buf", 64)))
	in.Passes = cyclicWriters()

	_, err := p.PrepareFrame(in)
	assert.True(t, errors.Is(err, core.ErrDependencyCycle))
}

func TestPlannersAreIndependent(t *testing.T) {
	a := NewPlanner(NewHeadlessDevice(), DefaultPlannerConfig())
	b := NewPlanner(NewHeadlessDevice(), DefaultPlannerConfig())
	assert.NotEqual(t, a.ID(), b.ID())

	_, err := a.PrepareFrame(frameInput(t, newRegistry(t, colorTexture("T"))))
	require.NoError(t, err)
	assert.Nil(t, b.GetBarriersForPass(0))
	assert.Zero(t, b.Stats().Frames)
}

func historyTexture(name string) metadata.ResourceDescriptor {
	d := colorTexture(name)
	d.Lifetime = metadata.ResourceLifetimePersistent
	d.Aliasable = false
	return d
}

func TestPlannerCarriesPersistentLayouts(t *testing.T) {
	p := NewPlanner(NewHeadlessDevice(), DefaultPlannerConfig())
	in := frameInput(t, newRegistry(t, historyTexture("history")))
	in.Passes = []metadata.RenderPassMetadata{
		pass(0, "taa", metadata.PassStageGraphics, use("history", metadata.ImageRoleSampledTexture, metadata.AccessRead)),
		pass(1, "resolve", metadata.PassStageGraphics, use("history", metadata.ImageRoleColorAttachment, metadata.AccessWrite)),
	}

	first, err := p.PrepareFrame(in)
	require.NoError(t, err)
	b0 := first.Barriers.GetBarriersForPass(0)
	require.Len(t, b0, 1)
	assert.Equal(t, vk.ImageLayoutUndefined, b0[0].Previous.Layout)

	// the next frame starts from where the image was left
	second, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.False(t, second.CacheHit)
	b0 = second.Barriers.GetBarriersForPass(0)
	require.Len(t, b0, 1)
	assert.Equal(t, vk.ImageLayoutColorAttachmentOptimal, b0[0].Previous.Layout)
	assert.Equal(t, uint64(1), p.Stats().Rebuilds)

	third, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.True(t, third.CacheHit)

	// a queue change replans from the carried layout, not from undefined
	in.Mode = QueuePreferenceGraphicsCompute
	fourth, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
	assert.Equal(t, vk.ImageLayoutColorAttachmentOptimal, fourth.Barriers.GetBarriersForPass(0)[0].Previous.Layout)

	// a layout change made outside of a plan is picked up too
	require.NoError(t, p.Allocator().SetLastKnownLayout("history", vk.ImageLayoutTransferSrcOptimal))
	fifth, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.False(t, fifth.CacheHit)
	assert.Equal(t, vk.ImageLayoutTransferSrcOptimal, fifth.Barriers.GetBarriersForPass(0)[0].Previous.Layout)
}

func TestPlannerTransientImagesStartUndefined(t *testing.T) {
	p := NewPlanner(NewHeadlessDevice(), DefaultPlannerConfig())
	in := frameInput(t, newRegistry(t, colorTexture("T")))
	_, err := p.PrepareFrame(in)
	require.NoError(t, err)

	in.Mode = QueuePreferenceGraphicsCompute
	plan, err := p.PrepareFrame(in)
	require.NoError(t, err)
	assert.Equal(t, vk.ImageLayoutUndefined, plan.Barriers.GetBarriersForPass(0)[0].Previous.Layout)
}

package framegraph

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
)

// Extent is a resolved 2D size in texels.
type Extent struct {
	Width  uint32
	Height uint32
}

func (e Extent) IsDegenerate() bool {
	return e.Width == 0 || e.Height == 0
}

// ImageState is the GPU-visible state of an image between two passes.
type ImageState struct {
	Layout vk.ImageLayout
	Stages vk.PipelineStageFlags
	Access vk.AccessFlags
	Aspect vk.ImageAspectFlags
}

// InitialImageState is the state of an image nobody has touched yet this frame.
func InitialImageState(aspect vk.ImageAspectFlags) ImageState {
	return ImageState{
		Layout: vk.ImageLayoutUndefined,
		Stages: vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		Access: 0,
		Aspect: aspect,
	}
}

func (s ImageState) String() string {
	return fmt.Sprintf("{layout=%s stages=%#x access=%#x aspect=%#x}", LayoutName(s.Layout), uint32(s.Stages), uint32(s.Access), uint32(s.Aspect))
}

// BufferState carries no layout and no aspect.
type BufferState struct {
	Stages vk.PipelineStageFlags
	Access vk.AccessFlags
}

func InitialBufferState() BufferState {
	return BufferState{
		Stages: vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit),
		Access: 0,
	}
}

func (s BufferState) String() string {
	return fmt.Sprintf("{stages=%#x access=%#x}", uint32(s.Stages), uint32(s.Access))
}

// resourceState is what the snapshot stores per logical resource. Exactly one of
// image/buffer is meaningful, selected by isImage.
type resourceState struct {
	isImage bool
	image   ImageState
	buffer  BufferState
	owner   uint32
	owned   bool
}

// StateSnapshot is an immutable map from normalized resource name to its last
// known state. Mutating helpers return a new snapshot.
type StateSnapshot struct {
	states map[string]resourceState
}

// EmptySnapshot returns a snapshot with no recorded states.
func EmptySnapshot() StateSnapshot {
	return StateSnapshot{}
}

func (s StateSnapshot) Len() int {
	return len(s.states)
}

func (s StateSnapshot) Image(name string) (ImageState, bool) {
	st, ok := s.states[metadata.NormalizeResourceName(name)]
	if !ok || !st.isImage {
		return ImageState{}, false
	}
	return st.image, true
}

func (s StateSnapshot) Buffer(name string) (BufferState, bool) {
	st, ok := s.states[metadata.NormalizeResourceName(name)]
	if !ok || st.isImage {
		return BufferState{}, false
	}
	return st.buffer, true
}

// Owner returns the queue family that last used the resource, if recorded.
func (s StateSnapshot) Owner(name string) (uint32, bool) {
	st, ok := s.states[metadata.NormalizeResourceName(name)]
	if !ok || !st.owned {
		return 0, false
	}
	return st.owner, true
}

// WithImage returns a copy of the snapshot with the image state replaced.
func (s StateSnapshot) WithImage(name string, state ImageState) StateSnapshot {
	b := s.builder()
	b.setImage(metadata.NormalizeResourceName(name), state)
	return b.snapshot()
}

// WithBuffer returns a copy of the snapshot with the buffer state replaced.
func (s StateSnapshot) WithBuffer(name string, state BufferState) StateSnapshot {
	b := s.builder()
	b.setBuffer(metadata.NormalizeResourceName(name), state)
	return b.snapshot()
}

// Names returns the recorded resource names in sorted order.
func (s StateSnapshot) Names() []string {
	return sortedKeys(s.states)
}

// snapshotBuilder is the mutable working copy used while planning.
type snapshotBuilder struct {
	states map[string]resourceState
}

func (s StateSnapshot) builder() *snapshotBuilder {
	states := make(map[string]resourceState, len(s.states))
	for k, v := range s.states {
		states[k] = v
	}
	return &snapshotBuilder{states: states}
}

func (b *snapshotBuilder) image(key string) (ImageState, bool) {
	st, ok := b.states[key]
	if !ok || !st.isImage {
		return ImageState{}, false
	}
	return st.image, true
}

func (b *snapshotBuilder) buffer(key string) (BufferState, bool) {
	st, ok := b.states[key]
	if !ok || st.isImage {
		return BufferState{}, false
	}
	return st.buffer, true
}

func (b *snapshotBuilder) owner(key string) (uint32, bool) {
	st, ok := b.states[key]
	if !ok || !st.owned {
		return 0, false
	}
	return st.owner, true
}

func (b *snapshotBuilder) setImage(key string, state ImageState) {
	st := b.states[key]
	st.isImage = true
	st.image = state
	st.buffer = BufferState{}
	b.states[key] = st
}

func (b *snapshotBuilder) setBuffer(key string, state BufferState) {
	st := b.states[key]
	st.isImage = false
	st.buffer = state
	st.image = ImageState{}
	b.states[key] = st
}

func (b *snapshotBuilder) setOwner(key string, family uint32) {
	st := b.states[key]
	st.owner = family
	st.owned = true
	b.states[key] = st
}

func (b *snapshotBuilder) snapshot() StateSnapshot {
	out := make(map[string]resourceState, len(b.states))
	for k, v := range b.states {
		out[k] = v
	}
	return StateSnapshot{states: out}
}

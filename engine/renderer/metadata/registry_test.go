package metadata

import (
	"testing"

	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceRegistryCaseInsensitive(t *testing.T) {
	r := NewResourceRegistry()
	require.NoError(t, r.Register(ResourceDescriptor{Name: "GBuffer.Albedo", Format: vk.FormatR8g8b8a8Unorm}))

	d, ok := r.Lookup("gbuffer.albedo")
	require.True(t, ok)
	assert.Equal(t, "GBuffer.Albedo", d.Name)

	// re-registering replaces
	require.NoError(t, r.Register(ResourceDescriptor{Name: "GBUFFER.ALBEDO", Format: vk.FormatR16g16b16a16Sfloat}))
	assert.Equal(t, 1, r.Len())
	d, _ = r.Lookup("GBuffer.Albedo")
	assert.Equal(t, vk.FormatR16g16b16a16Sfloat, d.Format)

	assert.True(t, r.Remove("gbuffer.ALBEDO"))
	assert.False(t, r.Remove("gbuffer.albedo"))
	assert.Error(t, r.Register(ResourceDescriptor{Name: "  "}))
}

func TestResourceRegistryDescriptorsSorted(t *testing.T) {
	r := NewResourceRegistry()
	for _, n := range []string{"zeta", "Alpha", "mid"} {
		require.NoError(t, r.Register(ResourceDescriptor{Name: n}))
	}
	names := []string{}
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Alpha", "mid", "zeta"}, names)
}

func TestResourceRoles(t *testing.T) {
	r, err := ParseResourceRole("Sampled_Texture")
	require.NoError(t, err)
	assert.Equal(t, ImageRoleSampledTexture, r)
	assert.True(t, r.IsImage())

	r, err = ParseResourceRole("uniform_buffer")
	require.NoError(t, err)
	assert.Equal(t, BufferRoleUniform, r)
	assert.False(t, r.IsImage())

	_, err = ParseResourceRole("nope")
	assert.Error(t, err)

	assert.True(t, IsTransferRole(ImageRoleTransferSource))
	assert.True(t, IsTransferRole(BufferRoleTransferDestination))
	assert.False(t, IsTransferRole(ImageRoleColorAttachment))
	assert.True(t, ImageRoleDepthAttachment.IsAttachment())
	assert.False(t, ImageRoleSampledTexture.IsAttachment())
}

func TestAccessIntent(t *testing.T) {
	assert.True(t, AccessRead.Reads())
	assert.False(t, AccessRead.Writes())
	assert.True(t, AccessReadWrite.Reads())
	assert.True(t, AccessReadWrite.Writes())
	assert.False(t, AccessWrite.Reads())
	assert.Equal(t, 1, int(ResourceDescriptor{}.Layers()))
}

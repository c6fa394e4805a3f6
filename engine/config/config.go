package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/spaghettifunk/anima/engine/core"
	fgmath "github.com/spaghettifunk/anima/engine/math"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
	"github.com/spaghettifunk/anima/engine/renderer/metadata"
	"gopkg.in/yaml.v3"
)

type Format uint8

const (
	FormatTOML Format = iota
	FormatYAML
)

// FormatForPath picks the decoder from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return 0, errors.Wrapf(core.ErrInvalidConfig, "unsupported file extension '%s'", filepath.Ext(path))
}

type ViewportConfig struct {
	Width  uint32 `toml:"width" yaml:"width"`
	Height uint32 `toml:"height" yaml:"height"`
}

// QueueConfig names the queue families of the device. A missing compute or
// transfer family means the hardware has none distinct from graphics.
type QueueConfig struct {
	Graphics uint32  `toml:"graphics" yaml:"graphics"`
	Compute  *uint32 `toml:"compute,omitempty" yaml:"compute,omitempty"`
	Transfer *uint32 `toml:"transfer,omitempty" yaml:"transfer,omitempty"`
}

// TuningConfig overrides the queue heuristic defaults. Unset fields keep the
// default value.
type TuningConfig struct {
	MinTransferUsages     *int     `toml:"min_transfer_usages,omitempty" yaml:"min_transfer_usages,omitempty"`
	PromoteComputeFrames  *int     `toml:"promote_compute_frames,omitempty" yaml:"promote_compute_frames,omitempty"`
	PromoteTransferFrames *int     `toml:"promote_transfer_frames,omitempty" yaml:"promote_transfer_frames,omitempty"`
	DemoteMinFrames       *int     `toml:"demote_min_frames,omitempty" yaml:"demote_min_frames,omitempty"`
	MaxFrameTimeMS        *float64 `toml:"max_frame_time_ms,omitempty" yaml:"max_frame_time_ms,omitempty"`
	MaxPromotionCost      *int     `toml:"max_promotion_cost,omitempty" yaml:"max_promotion_cost,omitempty"`
	RegressionFactor      *float64 `toml:"regression_factor,omitempty" yaml:"regression_factor,omitempty"`
	MaxOwnershipTransfers *int     `toml:"max_ownership_transfers,omitempty" yaml:"max_ownership_transfers,omitempty"`
	MaxStageFlushes       *int     `toml:"max_stage_flushes,omitempty" yaml:"max_stage_flushes,omitempty"`
	EMAWeight             *float64 `toml:"ema_weight,omitempty" yaml:"ema_weight,omitempty"`
}

type ResourceConfig struct {
	Name      string  `toml:"name" yaml:"name"`
	Kind      string  `toml:"kind" yaml:"kind"`
	Lifetime  string  `toml:"lifetime" yaml:"lifetime"`
	Size      string  `toml:"size" yaml:"size"`
	Scale     float32 `toml:"scale" yaml:"scale"`
	Width     uint32  `toml:"width" yaml:"width"`
	Height    uint32  `toml:"height" yaml:"height"`
	Bytes     uint64  `toml:"bytes" yaml:"bytes"`
	Format    string  `toml:"format" yaml:"format"`
	Layers    uint32  `toml:"layers" yaml:"layers"`
	Stereo    bool    `toml:"stereo" yaml:"stereo"`
	Aliasable bool    `toml:"aliasable" yaml:"aliasable"`
}

type UsageConfig struct {
	Resource string `toml:"resource" yaml:"resource"`
	Role     string `toml:"role" yaml:"role"`
	Access   string `toml:"access" yaml:"access"`
	Load     string `toml:"load" yaml:"load"`
	Store    string `toml:"store" yaml:"store"`
}

type PassConfig struct {
	Index        int           `toml:"index" yaml:"index"`
	Name         string        `toml:"name" yaml:"name"`
	Stage        string        `toml:"stage" yaml:"stage"`
	Dependencies []int         `toml:"dependencies" yaml:"dependencies"`
	Schemas      []string      `toml:"schemas" yaml:"schemas"`
	Usages       []UsageConfig `toml:"usages" yaml:"usages"`
}

// Config is a frame graph description file.
type Config struct {
	LogLevel     string           `toml:"log_level" yaml:"log_level"`
	Viewport     ViewportConfig   `toml:"viewport" yaml:"viewport"`
	Queues       QueueConfig      `toml:"queues" yaml:"queues"`
	QueueMode    string           `toml:"queue_mode" yaml:"queue_mode"`
	SyncGraph    bool             `toml:"sync_graph" yaml:"sync_graph"`
	StrictCycles bool             `toml:"strict_cycles" yaml:"strict_cycles"`
	Tuning       TuningConfig     `toml:"tuning" yaml:"tuning"`
	Resources    []ResourceConfig `toml:"resources" yaml:"resources"`
	Passes       []PassConfig     `toml:"passes" yaml:"passes"`

	// decoded forms, filled by validate
	registry *metadata.ResourceRegistry
	passes   []metadata.RenderPassMetadata
	mode     framegraph.QueueOwnershipPreference
}

// Load reads and validates a description file.
func Load(path string) (*Config, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}
	return cfg, nil
}

// Parse decodes and validates a description. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Config, error) {
	cfg := &Config{}
	switch format {
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decoding toml"), core.ErrInvalidConfig)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decoding yaml"), core.ErrInvalidConfig)
		}
	default:
		return nil, errors.Wrapf(core.ErrInvalidConfig, "unknown format %d", format)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Viewport.Width == 0 || c.Viewport.Height == 0 {
		return errors.Wrapf(core.ErrInvalidConfig, "viewport %dx%d has a zero dimension", c.Viewport.Width, c.Viewport.Height)
	}
	mode, ok := framegraph.ParseQueuePreference(c.QueueMode)
	if !ok {
		return errors.Wrapf(core.ErrInvalidConfig, "unknown queue_mode '%s'", c.QueueMode)
	}
	c.mode = mode

	c.registry = metadata.NewResourceRegistry()
	for i, r := range c.Resources {
		desc, err := r.descriptor()
		if err != nil {
			return errors.Wrapf(err, "resources[%d]", i)
		}
		if _, dup := c.registry.Lookup(desc.Name); dup {
			return errors.Wrapf(core.ErrInvalidConfig, "resources[%d]: duplicate name '%s'", i, desc.Name)
		}
		if err := c.registry.Register(desc); err != nil {
			return errors.Mark(errors.Wrapf(err, "resources[%d]", i), core.ErrInvalidConfig)
		}
	}

	c.passes = make([]metadata.RenderPassMetadata, 0, len(c.Passes))
	for i, p := range c.Passes {
		pass, err := p.metadata()
		if err != nil {
			return errors.Wrapf(err, "passes[%d] '%s'", i, p.Name)
		}
		c.passes = append(c.passes, pass)
	}
	return nil
}

func (r ResourceConfig) descriptor() (metadata.ResourceDescriptor, error) {
	desc := metadata.ResourceDescriptor{
		Name:             strings.TrimSpace(r.Name),
		ArrayLayers:      r.Layers,
		StereoCompatible: r.Stereo,
		Aliasable:        r.Aliasable,
	}
	if desc.Name == "" {
		return desc, errors.Wrap(core.ErrInvalidConfig, "resource requires a name")
	}

	switch strings.ToLower(r.Kind) {
	case "", "texture":
		desc.Kind = metadata.ResourceKindTexture
	case "framebuffer":
		desc.Kind = metadata.ResourceKindFramebuffer
	case "buffer":
		desc.Kind = metadata.ResourceKindBuffer
	default:
		return desc, errors.Wrapf(core.ErrInvalidConfig, "unknown kind '%s'", r.Kind)
	}

	switch strings.ToLower(r.Lifetime) {
	case "", "transient":
		desc.Lifetime = metadata.ResourceLifetimeTransient
	case "persistent":
		desc.Lifetime = metadata.ResourceLifetimePersistent
	default:
		return desc, errors.Wrapf(core.ErrInvalidConfig, "unknown lifetime '%s'", r.Lifetime)
	}

	switch strings.ToLower(r.Size) {
	case "", "viewport":
		desc.Size = metadata.SizePolicy{Kind: metadata.SizePolicyViewport, Scale: r.Scale}
	case "fixed":
		desc.Size = metadata.SizePolicy{Kind: metadata.SizePolicyFixed, Width: r.Width, Height: r.Height}
	default:
		return desc, errors.Wrapf(core.ErrInvalidConfig, "unknown size policy '%s'", r.Size)
	}
	if r.Scale < 0 {
		return desc, errors.Wrapf(core.ErrInvalidConfig, "negative scale %g", r.Scale)
	}

	if desc.Kind == metadata.ResourceKindBuffer {
		if r.Bytes == 0 {
			return desc, errors.Wrap(core.ErrInvalidConfig, "buffer requires bytes")
		}
		desc.Size = metadata.SizePolicy{Kind: metadata.SizePolicyFixed, Bytes: r.Bytes}
		return desc, nil
	}

	format, err := ParseFormat(r.Format)
	if err != nil {
		return desc, err
	}
	desc.Format = format
	return desc, nil
}

func (p PassConfig) metadata() (metadata.RenderPassMetadata, error) {
	pass := metadata.RenderPassMetadata{
		PassIndex:         p.Index,
		Name:              p.Name,
		Dependencies:      append([]int(nil), p.Dependencies...),
		DescriptorSchemas: append([]string(nil), p.Schemas...),
	}
	switch strings.ToLower(p.Stage) {
	case "", "graphics":
		pass.Stage = metadata.PassStageGraphics
	case "compute":
		pass.Stage = metadata.PassStageCompute
	case "transfer":
		pass.Stage = metadata.PassStageTransfer
	default:
		return pass, errors.Wrapf(core.ErrInvalidConfig, "unknown stage '%s'", p.Stage)
	}

	for i, u := range p.Usages {
		usage, err := u.usage()
		if err != nil {
			return pass, errors.Wrapf(err, "usages[%d]", i)
		}
		pass.Usages = append(pass.Usages, usage)
	}
	return pass, nil
}

func (u UsageConfig) usage() (metadata.ResourceUsage, error) {
	usage := metadata.ResourceUsage{ResourceName: u.Resource}
	if strings.TrimSpace(u.Resource) == "" {
		return usage, errors.Wrap(core.ErrInvalidConfig, "usage requires a resource")
	}
	role, err := metadata.ParseResourceRole(u.Role)
	if err != nil {
		return usage, errors.Mark(err, core.ErrInvalidConfig)
	}
	usage.Role = role

	switch strings.ToLower(u.Access) {
	case "", "read":
		usage.Access = metadata.AccessRead
	case "write":
		usage.Access = metadata.AccessWrite
	case "read_write", "readwrite":
		usage.Access = metadata.AccessReadWrite
	default:
		return usage, errors.Wrapf(core.ErrInvalidConfig, "unknown access '%s'", u.Access)
	}

	switch strings.ToLower(u.Load) {
	case "", "dont_care":
		usage.Load = metadata.LoadOpDontCare
	case "load":
		usage.Load = metadata.LoadOpLoad
	case "clear":
		usage.Load = metadata.LoadOpClear
	default:
		return usage, errors.Wrapf(core.ErrInvalidConfig, "unknown load op '%s'", u.Load)
	}

	switch strings.ToLower(u.Store) {
	case "", "dont_care":
		usage.Store = metadata.StoreOpDontCare
	case "store":
		usage.Store = metadata.StoreOpStore
	default:
		return usage, errors.Wrapf(core.ErrInvalidConfig, "unknown store op '%s'", u.Store)
	}
	return usage, nil
}

// Registry returns the declared resources.
func (c *Config) Registry() *metadata.ResourceRegistry {
	return c.registry
}

// RenderPasses returns a copy of the declared passes in file order.
func (c *Config) RenderPasses() []metadata.RenderPassMetadata {
	out := make([]metadata.RenderPassMetadata, len(c.passes))
	copy(out, c.passes)
	return out
}

func (c *Config) ViewportExtent() framegraph.Extent {
	return framegraph.Extent{Width: c.Viewport.Width, Height: c.Viewport.Height}
}

func (c *Config) Preference() framegraph.QueueOwnershipPreference {
	return c.mode
}

// QueueFamilies reports the configured families. A compute or transfer family
// equal to graphics counts as absent.
func (c *Config) QueueFamilies() framegraph.QueueFamilies {
	f := framegraph.QueueFamilies{
		Graphics: c.Queues.Graphics,
		Compute:  c.Queues.Graphics,
		Transfer: c.Queues.Graphics,
	}
	if c.Queues.Compute != nil && *c.Queues.Compute != c.Queues.Graphics {
		f.Compute = *c.Queues.Compute
		f.HasCompute = true
	}
	if c.Queues.Transfer != nil && *c.Queues.Transfer != c.Queues.Graphics {
		f.Transfer = *c.Queues.Transfer
		f.HasTransfer = true
	}
	return f
}

// HeuristicTuning applies the overrides on top of the defaults.
func (c *Config) HeuristicTuning() framegraph.HeuristicTuning {
	t := framegraph.DefaultHeuristicTuning()
	o := c.Tuning
	setInt(&t.MinTransferUsages, o.MinTransferUsages)
	setInt(&t.PromoteComputeFrames, o.PromoteComputeFrames)
	setInt(&t.PromoteTransferFrames, o.PromoteTransferFrames)
	setInt(&t.DemoteMinFrames, o.DemoteMinFrames)
	setInt(&t.MaxPromotionCost, o.MaxPromotionCost)
	setInt(&t.MaxOwnershipTransfers, o.MaxOwnershipTransfers)
	setInt(&t.MaxStageFlushes, o.MaxStageFlushes)
	if o.MaxFrameTimeMS != nil {
		t.MaxFrameTime = time.Duration(*o.MaxFrameTimeMS * float64(time.Millisecond))
	}
	if o.RegressionFactor != nil {
		t.RegressionFactor = *o.RegressionFactor
	}
	if o.EMAWeight != nil {
		t.EMAWeight = fgmath.Clamp(*o.EMAWeight, 0, 1)
	}
	return t
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// PlannerConfig builds the planner configuration described by the file.
func (c *Config) PlannerConfig() framegraph.PlannerConfig {
	cfg := framegraph.DefaultPlannerConfig()
	cfg.Tuning = c.HeuristicTuning()
	cfg.Compile.StrictCycles = c.StrictCycles
	return cfg
}

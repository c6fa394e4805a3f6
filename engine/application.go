package engine

import "time"

type ApplicationConfig struct {
	// The application name reported to the Vulkan instance.
	Name string
	// Path of the frame graph description file (.toml, .yaml or .yml).
	GraphPath string
	// Vulkan selects a real device. Without it physical resources are
	// created on a headless device and barriers are only logged.
	Vulkan bool
	// Debug enables the validation layers when Vulkan is set.
	Debug bool
	// SyncGraph forces edge-based barrier planning regardless of the file.
	SyncGraph bool
	// LogLevel overrides the level named in the description file.
	LogLevel string
	// FrameTarget paces the frame loop. Zero runs frames back to back.
	FrameTarget time.Duration
	// Readback lists resources moved to TransferSrcOptimal after the last frame.
	Readback []string
}

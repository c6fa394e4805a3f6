package engine

import (
	"github.com/spaghettifunk/anima/engine/config"
	"github.com/spaghettifunk/anima/engine/renderer/framegraph"
)

// Hooks let the embedding application observe the engine. Every field is optional.
type Hooks struct {
	FnInitialize   Initialize
	FnFramePlanned FramePlanned
	FnReload       Reload
	FnShutdown     Shutdown
}

type Initialize func(cfg *config.Config) error
type FramePlanned func(frame uint64, plan *framegraph.FramePlan) error
type Reload func(cfg *config.Config) error
type Shutdown func() error

/*
anima plans GPU barriers and transient resources for a frame graph described
in a TOML or YAML file, and optionally records them on a real Vulkan device.

	anima [-frames N] [-watch] [-sync] [-vulkan] graph.toml [more graphs...]

Every graph file gets its own planner, run on its own goroutine.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spaghettifunk/anima/engine"
	"github.com/spaghettifunk/anima/engine/core"
	"github.com/spaghettifunk/anima/engine/jobs"
)

func main() {
	frames := flag.Int("frames", 1, "number of frames to plan, 0 plans until interrupted")
	watch := flag.Bool("watch", false, "reload the graph file on change and keep planning")
	syncGraph := flag.Bool("sync", false, "plan barriers from the compiled sync graph")
	useVulkan := flag.Bool("vulkan", false, "create resources and record barriers on a Vulkan device")
	debug := flag.Bool("debug", false, "enable the Vulkan validation layers")
	logLevel := flag.String("log-level", "", "override the log level of the graph file")
	readback := flag.String("readback", "", "comma separated resources to prepare for readback after the last frame")
	fps := flag.Int("fps", 0, "frame rate cap, 0 for none")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] graph.toml [graph.yaml ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		paths = []string{"graph.toml"}
	}

	n := *frames
	target := time.Duration(0)
	if *fps > 0 {
		target = time.Second / time.Duration(*fps)
	}
	if *watch {
		n = 0
		if target == 0 {
			target = time.Second / 60
		}
	}
	var names []string
	if *readback != "" {
		for _, name := range strings.Split(*readback, ",") {
			names = append(names, strings.TrimSpace(name))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	// one renderer instance per graph file, each on its own worker
	pool, err := jobs.NewPool(ctx, len(paths), len(paths))
	if err != nil {
		core.LogFatal(err.Error())
	}
	for _, path := range paths {
		app := &engine.ApplicationConfig{
			Name:        "Anima Frame Graph",
			GraphPath:   path,
			Vulkan:      *useVulkan,
			Debug:       *debug,
			SyncGraph:   *syncGraph,
			LogLevel:    *logLevel,
			FrameTarget: target,
			Readback:    names,
		}
		if err := pool.Submit(jobs.Task{
			Name: path,
			Run: func(ctx context.Context) error {
				return plan(ctx, app, n, *watch)
			},
		}); err != nil {
			core.LogFatal(err.Error())
		}
	}
	if err := pool.Shutdown(); err != nil {
		os.Exit(1)
	}
}

func plan(ctx context.Context, app *engine.ApplicationConfig, frames int, watch bool) error {
	e, err := engine.New(app, nil)
	if err != nil {
		return err
	}
	if err := e.Initialize(); err != nil {
		return err
	}

	if watch {
		go func() {
			if err := e.Watch(ctx); err != nil {
				core.LogError(err.Error())
			}
		}()
	}

	runErr := e.Run(ctx, frames)
	if err := e.Shutdown(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

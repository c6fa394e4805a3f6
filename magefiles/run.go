//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Plans the frames of graph.toml, or of $ANIMA_GRAPH when set.
func (Run) Plan() error {
	mg.Deps(Build.Binary)
	graph := os.Getenv("ANIMA_GRAPH")
	if graph == "" {
		graph = "graph.toml"
	}
	fmt.Printf("Planning %s...\n", graph)
	if _, err := executeCmd("bin/anima", withArgs("-frames", "30", "-sync", graph), withStream()); err != nil {
		return err
	}
	return nil
}

// Keeps planning and reloads the graph file on every change.
func (Run) Watch() error {
	mg.Deps(Build.Binary)
	_, err := executeCmd("bin/anima", withArgs("-watch", "graph.toml"), withStream())
	return err
}

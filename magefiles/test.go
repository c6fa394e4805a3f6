//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs every unit test with the race detector.
func (Test) All() error {
	if _, err := executeCmd("go", withArgs("test", "-race", "-count=1", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the frame graph tests only.
func (Test) Framegraph() error {
	_, err := executeCmd("go", withArgs("test", "-count=1", "./engine/renderer/framegraph/..."), withStream())
	return err
}

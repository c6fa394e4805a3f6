package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameMetricsAverage(t *testing.T) {
	m := NewFrameMetrics()
	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(10 * time.Millisecond)
	}
	assert.InDelta(t, 10.0, m.FrameTime(), 1e-9)
	assert.Equal(t, 10*time.Millisecond, m.LastDelta)

	for i := 0; i < int(AVG_COUNT); i++ {
		m.Update(20 * time.Millisecond)
	}
	assert.InDelta(t, 20.0, m.FrameTime(), 1e-9)
}

func TestFrameMetricsFPS(t *testing.T) {
	m := NewFrameMetrics()
	// 1010ms worth of 10ms frames crosses the one second boundary once.
	for i := 0; i < 101; i++ {
		m.Update(10 * time.Millisecond)
	}
	fps, _ := m.Frame()
	assert.Equal(t, 100.0, fps)
}

func TestClockElapsed(t *testing.T) {
	c := NewClock()
	c.Update()
	assert.Equal(t, time.Duration(0), c.Elapsed())

	c.Start()
	time.Sleep(time.Millisecond)
	c.Update()
	assert.Greater(t, c.Elapsed(), time.Duration(0))

	c.Stop()
	before := c.Elapsed()
	c.Update()
	assert.Equal(t, before, c.Elapsed())
}

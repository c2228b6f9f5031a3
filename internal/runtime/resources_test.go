package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceSampler_Snapshot(t *testing.T) {
	sampler := newResourceSampler()

	first := sampler.Snapshot()
	assert.Zero(t, first.CPUPercent, "no baseline yet")
	assert.NotZero(t, first.MemoryBytes)
	assert.NotZero(t, first.Goroutines)

	time.Sleep(10 * time.Millisecond)

	second := sampler.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}

func TestResourceSampler_Nil(t *testing.T) {
	var sampler *resourceSampler
	assert.Equal(t, ResourceUsage{}, sampler.Snapshot())
}

func TestResourceSampler_EmptySamples(t *testing.T) {
	sampler := &resourceSampler{}
	assert.NotZero(t, sampler.Snapshot().MemoryBytes)
}

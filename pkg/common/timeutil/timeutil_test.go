package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManual(start)
	assert.Equal(t, start, m.Now())

	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())
}

func TestDefaultIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Default().Now().Location())
}

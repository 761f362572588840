package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterStaysWithinOneAndAHalfTimesBase(t *testing.T) {
	base := 500 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/2)
	}
}

func TestJitterZeroIsNoop(t *testing.T) {
	assert.Equal(t, time.Duration(0), jitter(0))
}

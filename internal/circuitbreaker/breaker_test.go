package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClosedCircuitAllows(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	assert.True(t, b.Allow("directory"))
	assert.Equal(t, StateClosed, b.State("directory"))
}

func TestTripsAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("directory")
	b.RecordFailure("directory")
	assert.True(t, b.Allow("directory"), "still closed one failure short")

	b.RecordFailure("directory")
	assert.False(t, b.Allow("directory"))
	assert.Equal(t, StateOpen, b.State("directory"))
}

func TestProbeAfterCooling(t *testing.T) {
	b := New(2, 50*time.Millisecond)
	b.RecordFailure("directory")
	b.RecordFailure("directory")
	assert.False(t, b.Allow("directory"))

	time.Sleep(60 * time.Millisecond)

	assert.True(t, b.Allow("directory"), "one probe after cooling")
	assert.Equal(t, StateHalfOpen, b.State("directory"))
	assert.False(t, b.Allow("directory"), "no second call while probing")
}

func TestProbeOutcomeDecides(t *testing.T) {
	trip := func(b *Breaker) {
		b.RecordFailure("directory")
		b.RecordFailure("directory")
		time.Sleep(60 * time.Millisecond)
		b.Allow("directory") // half-open
	}

	b := New(2, 50*time.Millisecond)
	trip(b)
	b.RecordSuccess("directory")
	assert.Equal(t, StateClosed, b.State("directory"))
	assert.True(t, b.Allow("directory"))

	b = New(2, 50*time.Millisecond)
	trip(b)
	b.RecordFailure("directory")
	assert.Equal(t, StateOpen, b.State("directory"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure("directory")
	b.RecordFailure("directory")
	b.RecordSuccess("directory")
	b.RecordFailure("directory")

	assert.True(t, b.Allow("directory"), "counter was reset, one failure is not enough")
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure("directory")
	b.RecordFailure("directory")

	assert.False(t, b.Allow("directory"))
	assert.True(t, b.Allow("stripe"))
	assert.Equal(t, StateClosed, b.State("stripe"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

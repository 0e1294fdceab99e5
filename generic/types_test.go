package generic_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/punch-ledger/generic"
)

func TestQuantity_Tolerances(t *testing.T) {
	pending := generic.NewQuantity(7)

	assert.False(t, generic.NewQuantity(7).ExceedsBy(pending, generic.StrictEpsilon))
	assert.False(t, generic.MustParseQuantity("7.0000000001").ExceedsBy(pending, generic.StrictEpsilon))
	assert.True(t, generic.MustParseQuantity("7.00000001").ExceedsBy(pending, generic.StrictEpsilon))

	assert.True(t, generic.MustParseQuantity("6.9999995").WithinOf(pending, generic.Epsilon))
	assert.False(t, generic.NewQuantity(6).WithinOf(pending, generic.Epsilon))

	assert.True(t, generic.MustParseQuantity("0.0000000001").AtMost(generic.StrictEpsilon))
	assert.False(t, generic.MustParseQuantity("0.001").AtMost(generic.StrictEpsilon))
}

func TestQuantity_Clamp(t *testing.T) {
	assert.True(t, generic.NewQuantity(-3).ClampZero().IsZero())
	assert.Equal(t, "70", generic.NewQuantity(80).Clamp(generic.ZeroQuantity, generic.NewQuantity(70)).String())
	assert.Equal(t, "0", generic.NewQuantity(-1).Clamp(generic.ZeroQuantity, generic.NewQuantity(70)).String())
}

func TestQuantity_JSON(t *testing.T) {
	var payload struct {
		Produced generic.Quantity `json:"produced"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"produced": 12.5}`), &payload))
	assert.Equal(t, "12.5", payload.Produced.String())

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"produced": 12.5}`, string(out))
}

func TestWholeMinutes(t *testing.T) {
	assert.Equal(t, int64(0), generic.WholeMinutes(-time.Hour))
	assert.Equal(t, int64(2), generic.WholeMinutes(90*time.Second))
	assert.Equal(t, int64(61), generic.WholeMinutes(time.Hour+40*time.Second))
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	clock := generic.NewFixedClock(start)
	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Hour), clock.Advance(time.Hour))
}

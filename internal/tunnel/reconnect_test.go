package tunnel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayDoublesUpToCap(t *testing.T) {
	d0 := backoffDelay(500, 30000, 0)
	assert.GreaterOrEqual(t, d0, 500*time.Millisecond)
	assert.Less(t, d0, 625*time.Millisecond) // base + jitter up to base/4

	d1 := backoffDelay(500, 30000, 1)
	assert.GreaterOrEqual(t, d1, 1000*time.Millisecond)
	assert.Less(t, d1, 1250*time.Millisecond)
}

func TestBackoffDelayClampsAtMax(t *testing.T) {
	d := backoffDelay(500, 2000, 10)
	assert.GreaterOrEqual(t, d, 2000*time.Millisecond)
	assert.Less(t, d, 2500*time.Millisecond)
}

func TestBackoffDelayExponentCapsAtTen(t *testing.T) {
	d10 := backoffDelay(1, 1_000_000_000, 10)
	d20 := backoffDelay(1, 1_000_000_000, 20)
	// Both clamp to the same exponent (10), so their unjittered floors match.
	assert.InDelta(t, float64(d10.Milliseconds()), float64(d20.Milliseconds()), float64(1<<10)/4+2)
}

func TestTunnelWebSocketURLUpgradesScheme(t *testing.T) {
	httpsURL, err := tunnelWebSocketURL("https://controller.example.com:8443/base")
	assert.NoError(t, err)
	assert.Equal(t, "wss://controller.example.com:8443/api/internal/proxy-tunnel", httpsURL)

	httpURL, err := tunnelWebSocketURL("http://controller.example.com")
	assert.NoError(t, err)
	assert.Equal(t, "ws://controller.example.com/api/internal/proxy-tunnel", httpURL)

	_, err = tunnelWebSocketURL("ftp://controller.example.com")
	assert.Error(t, err)
}

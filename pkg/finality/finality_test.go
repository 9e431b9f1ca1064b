package finality

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/latchbridge/latchbridge/pkg/event"
)

func testAttestation(chain event.ChainID, confirmations uint32) *event.Attestation {
	dest, _ := event.StringToAddress("01")
	return &event.Attestation{
		Event: event.BridgeEvent{
			SourceChain: chain,
			SourceTxID:  []byte{0x01, 0x02},
			AssetID:     1,
			Amount:      10,
			Destination: dest,
			Nonce:       0,
		},
		Confirmations: confirmations,
	}
}

func TestGateDefaultMinimum(t *testing.T) {
	g := NewGate(15)

	assert.ErrorIs(t, g.Check(testAttestation(2, 14)), ErrNotYetFinal)
	assert.NoError(t, g.Check(testAttestation(2, 15)))
	assert.NoError(t, g.Check(testAttestation(2, 100)))
}

func TestGatePerChainOverride(t *testing.T) {
	g := NewGate(15)
	g.SetChainMinimum(5, 64)

	assert.NoError(t, g.Check(testAttestation(2, 20)))
	assert.ErrorIs(t, g.Check(testAttestation(5, 20)), ErrNotYetFinal)
	assert.NoError(t, g.Check(testAttestation(5, 64)))

	assert.Equal(t, uint32(64), g.Minimum(5))
	assert.Equal(t, uint32(15), g.Minimum(2))
}

// A rejected attestation is not consumed: the identical event clears the gate
// once resubmitted with sufficient stated depth.
func TestRejectedAttestationMayBeResubmitted(t *testing.T) {
	g := NewGate(30)

	young := testAttestation(2, 10)
	assert.ErrorIs(t, g.Check(young), ErrNotYetFinal)

	deeper := testAttestation(2, 30)
	assert.Equal(t, young.Event.SigningDigest(), deeper.Event.SigningDigest())
	assert.NoError(t, g.Check(deeper))
}

func TestWallClockHeightSource(t *testing.T) {
	w := NewWallClockHeightSource(time.Now().Add(-10*time.Second), time.Second)
	h := w.Height()
	assert.GreaterOrEqual(t, h, uint64(9))
	assert.LessOrEqual(t, h, uint64(11))

	// A genesis in the future clamps to zero.
	future := NewWallClockHeightSource(time.Now().Add(time.Hour), time.Second)
	assert.Equal(t, uint64(0), future.Height())
}

func TestFixedHeightSource(t *testing.T) {
	f := &FixedHeightSource{}
	assert.Equal(t, uint64(0), f.Height())
	f.Set(42)
	assert.Equal(t, uint64(42), f.Height())
}

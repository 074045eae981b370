package hwinfo

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/gridforce/fleet/pkg/protocol"
)

func TestCollectorPacket(t *testing.T) {
	c := Collector{CPUInterval: 50 * time.Millisecond}
	p, err := c.Packet(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, p.Kind, KindPeriodic)

	var s Sample
	assert.NilError(t, p.Payload.Document(&s))
	assert.Assert(t, s.MachineName != "")
	assert.Assert(t, s.Memory.Total > 0)
	assert.Assert(t, s.CPUUsage >= 0 && s.CPUUsage <= 100)

	text, err := protocol.Encode(p)
	assert.NilError(t, err)
	decoded, err := protocol.Decode(text)
	assert.NilError(t, err)
	assert.DeepEqual(t, decoded, protocol.Packet(p))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, round2(12.3456), 12.35)
	assert.Equal(t, round2(0), 0.0)
}

package topology

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoSocketFourCoreHT = `
processor	: 0
physical id	: 0
core id	: 0
siblings	: 2
cpu cores	: 1

processor	: 1
physical id	: 0
core id	: 0
siblings	: 2
cpu cores	: 1

processor	: 2
physical id	: 1
core id	: 0
siblings	: 2
cpu cores	: 1

processor	: 3
physical id	: 1
core id	: 0
siblings	: 2
cpu cores	: 1
`

func TestParse_TwoSocketHyperthreaded(t *testing.T) {
	topo, err := Parse(strings.NewReader(twoSocketFourCoreHT))
	require.NoError(t, err)

	assert.Equal(t, 4, topo.NumThreads())
	assert.Equal(t, 2, topo.NumSockets())
	assert.Equal(t, 2, topo.Multiplier())
	assert.Equal(t, 1, topo.CoresPerSocket())
	assert.Equal(t, 2, topo.NumCores())

	key, ok := topo.CoreOf(0)
	require.True(t, ok)
	assert.Equal(t, PhysId(0), key.Phys)

	threads := topo.ThreadsOnCore(0, 0)
	assert.ElementsMatch(t, []ThreadId{0, 1}, threads)
}

func TestParse_NoSocketIdentifier(t *testing.T) {
	const noSocket = `
processor	: 0
siblings	: 1
cpu cores	: 1

processor	: 1
siblings	: 1
cpu cores	: 1
`
	topo, err := Parse(strings.NewReader(noSocket))
	require.NoError(t, err)
	assert.Equal(t, 2, topo.NumSockets())
	assert.Equal(t, 1, topo.Multiplier())
}

func TestParse_MissingCPUCoresFieldFails(t *testing.T) {
	const weird = `
processor	: 0
physical id	: 0
`
	_, err := Parse(strings.NewReader(weird))
	assert.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	assert.Error(t, err)
}

func TestSingle(t *testing.T) {
	topo := Single(8)
	assert.Equal(t, 8, topo.NumCores())
	assert.Equal(t, 1, topo.Multiplier())
	assert.Equal(t, 1, topo.NumSockets())
}

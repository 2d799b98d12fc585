package lockmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectorNoCycle(t *testing.T) {
	d := newDetector()
	d.addEdge(1, 2)
	d.addEdge(2, 3)
	assert.Nil(t, d.findCycle(1))
	assert.Nil(t, d.findCycle(2))
}

func TestDetectorSimpleCycle(t *testing.T) {
	d := newDetector()
	d.addEdge(1, 2)
	d.addEdge(2, 1)
	cycle := d.findCycle(1)
	assert.ElementsMatch(t, []uint64{1, 2}, cycle)
}

func TestDetectorLongCycle(t *testing.T) {
	d := newDetector()
	d.addEdge(1, 2)
	d.addEdge(2, 3)
	d.addEdge(3, 4)
	d.addEdge(4, 1)
	cycle := d.findCycle(1)
	assert.ElementsMatch(t, []uint64{1, 2, 3, 4}, cycle)
}

func TestDetectorEdgeRefCount(t *testing.T) {
	d := newDetector()
	// Two waits on the same pair of transactions.
	d.addEdge(1, 2)
	d.addEdge(1, 2)
	d.addEdge(2, 1)
	assert.NotNil(t, d.findCycle(1))

	d.removeEdge(1, 2)
	assert.NotNil(t, d.findCycle(1))
	d.removeEdge(1, 2)
	assert.Nil(t, d.findCycle(1))
}

func TestDetectorDropTxn(t *testing.T) {
	d := newDetector()
	d.addEdge(1, 2)
	d.addEdge(2, 3)
	d.addEdge(3, 1)
	assert.NotNil(t, d.findCycle(1))

	d.dropTxn(2)
	assert.Nil(t, d.findCycle(1))
	assert.Nil(t, d.findCycle(3))
}

func TestDetectorBranchingGraph(t *testing.T) {
	d := newDetector()
	// 1 waits on 2 and 3; only the path through 3 cycles back.
	d.addEdge(1, 2)
	d.addEdge(1, 3)
	d.addEdge(3, 4)
	d.addEdge(4, 1)
	cycle := d.findCycle(1)
	assert.NotNil(t, cycle)
	assert.Contains(t, cycle, uint64(1))
	assert.Contains(t, cycle, uint64(3))
	assert.Contains(t, cycle, uint64(4))
	assert.NotContains(t, cycle, uint64(2))
}

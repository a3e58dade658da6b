package tensor

import (
	"sync"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

type computeTask struct {
	node *Tensor
	ith  int
	nth  int
	wg   *sync.WaitGroup
}

// Compute executes the graph's nodes strictly in their stored (topological)
// order, filling each operation tensor's backing memory from its operands'
// already-computed bytes.
//
// A pool of Graph.Threads workers lives for the duration of the call. Work
// is split only inside a single operation: parallel ops partition their
// output rows into disjoint ith/nth ranges, so no locking is needed. Nodes
// never run concurrently with each other, because later nodes read memory
// written by earlier ones.
func Compute(g *Graph) {
	start := time.Now()

	var jobs chan computeTask
	if g.Threads > 1 {
		jobs = make(chan computeTask, g.Threads)
		for i := 0; i < g.Threads; i++ {
			go func() {
				for task := range jobs {
					computeForward(task.node, task.ith, task.nth)
					task.wg.Done()
				}
			}()
		}
		defer close(jobs)
	}

	for _, node := range g.Nodes {
		opStart := time.Now()

		nth := taskCount(node, g.Threads)
		if nth <= 1 {
			computeForward(node, 0, 1)
		} else {
			var wg sync.WaitGroup
			wg.Add(nth)
			for ith := 0; ith < nth; ith++ {
				jobs <- computeTask{node: node, ith: ith, nth: nth, wg: &wg}
			}
			wg.Wait()
		}

		metrics.RecordOp(node.op.String(), time.Since(opStart))
	}

	metrics.RecordGraphCompute(len(g.Nodes), time.Since(start))
}

// taskCount picks how many workers one node's execution is split across.
// Only row-partitionable ops fan out; the rest are cheap enough to run on a
// single worker.
func taskCount(node *Tensor, threads int) int {
	if threads <= 1 {
		return 1
	}
	var rows int
	switch node.op {
	case OpMulMat:
		rows = node.ne[0] // partitioned over output rows of src0
	case OpNorm, OpSoftMax:
		rows = node.Nrows()
	default:
		return 1
	}
	if rows < threads {
		return rows
	}
	return threads
}

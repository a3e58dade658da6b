package metrics

import (
	"testing"
	"time"
)

func TestRecordHelpers(t *testing.T) {
	// Verify the exported helpers exist and don't panic.
	RecordArena("weights", 1024, 4096)
	RecordArena("step", 0, 65536)
	RecordGraphCompute(128, 5*time.Millisecond)
	RecordOp("mul_mat", 2*time.Millisecond)
	RecordEvaluate(8, 40*time.Millisecond)
	RecordKVCache(16, 1<<20)
	RecordQuantize("q4_0", 4096)
	RecordLoad(42, 100*time.Millisecond)
}

func TestRecordAccumulates(t *testing.T) {
	RecordEvaluate(1, time.Millisecond)
	RecordEvaluate(2, time.Millisecond)
	RecordOp("soft_max", time.Microsecond)
	RecordOp("soft_max", time.Microsecond)
	// Counters accumulate internally; this just exercises repeated use.
}

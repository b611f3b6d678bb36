package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPeriodicTicks(t *testing.T) {
	var count atomic.Int32
	p := New(time.Millisecond, func() { count.Add(1) })
	p.Start()
	time.Sleep(20 * time.Millisecond)
	p.Stop()

	if count.Load() < 2 {
		t.Errorf("tick count = %d, want at least 2", count.Load())
	}
}

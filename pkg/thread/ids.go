package thread

import (
	"fmt"
	"sync/atomic"
	"time"
)

var idSeq atomic.Uint64

// NewID returns "<prefix>_<unix ms>_<seq>". The sequence is process-wide and
// starts at 1, so ids never collide inside one process even within a millisecond.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixMilli(), idSeq.Add(1))
}

package main

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// benchStats accumulates per-op latencies into power-of-two buckets;
// enough resolution for a latency histogram without leveldb's full
// bucket table.
type benchStats struct {
	done      int
	sumMicros int64
	minMicros int64
	maxMicros int64
	buckets   [40]int // bucket 0 counts ops in [0, 2) micros, bucket i>0 in [2^i, 2^(i+1)); the last bucket also takes longer ops
}

func newBenchStats() *benchStats {
	return &benchStats{minMicros: math.MaxInt64}
}

func (s *benchStats) finishedSingleOp(d time.Duration) {
	micros := d.Microseconds()
	s.done++
	s.sumMicros += micros
	if micros < s.minMicros {
		s.minMicros = micros
	}
	if micros > s.maxMicros {
		s.maxMicros = micros
	}
	b := 0
	for v := micros; v > 1 && b < len(s.buckets)-1; v >>= 1 {
		b++
	}
	s.buckets[b]++
}

func (s *benchStats) merge(other *benchStats) {
	s.done += other.done
	s.sumMicros += other.sumMicros
	if other.minMicros < s.minMicros {
		s.minMicros = other.minMicros
	}
	if other.maxMicros > s.maxMicros {
		s.maxMicros = other.maxMicros
	}
	for i := range s.buckets {
		s.buckets[i] += other.buckets[i]
	}
}

func (s *benchStats) histogramString() string {
	if s.done == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Microseconds per op: min %d, max %d\n", s.minMicros, s.maxMicros)
	for i, count := range s.buckets {
		if count == 0 {
			continue
		}
		lo := int64(1) << i
		if i == 0 {
			lo = 0
		}
		hi := int64(1) << (i + 1)
		pct := 100 * float64(count) / float64(s.done)
		fmt.Fprintf(&b, "[ %8d, %8d ) %8d %6.2f%% %s\n",
			lo, hi, count, pct, strings.Repeat("#", int(pct/2)))
	}
	return b.String()
}

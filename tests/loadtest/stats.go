package main

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Stats aggregates results across workers
type Stats struct {
	mu sync.Mutex

	total     int64
	succeeded int64
	failed    int64
	cacheHits int64
	bytes     int64

	byStatus    map[int]int64
	byErrorKind map[string]int64
	latencies   []time.Duration

	startTime time.Time
	lastTotal int64
	lastTime  time.Time
}

func NewStats() *Stats {
	now := time.Now()
	return &Stats{
		byStatus:    make(map[int]int64),
		byErrorKind: make(map[string]int64),
		startTime:   now,
		lastTime:    now,
	}
}

func (s *Stats) Record(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	if r.Err != nil {
		s.failed++
		s.byErrorKind["transport_error"]++
		return
	}

	s.byStatus[r.Status]++
	s.latencies = append(s.latencies, r.Latency)
	s.bytes += int64(r.Bytes)

	if r.Status == 200 {
		s.succeeded++
		if r.FromCache {
			s.cacheHits++
		}
	} else {
		s.failed++
		if r.ErrorKind != "" {
			s.byErrorKind[r.ErrorKind]++
		}
	}
}

// PrintProgress emits a one-line snapshot with the rate since the last call
func (s *Stats) PrintProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	window := now.Sub(s.lastTime).Seconds()
	rate := float64(s.total-s.lastTotal) / window
	s.lastTotal = s.total
	s.lastTime = now

	hitPct := 0.0
	if s.succeeded > 0 {
		hitPct = 100 * float64(s.cacheHits) / float64(s.succeeded)
	}

	fmt.Printf("[%s] total=%d ok=%d failed=%d cache_hit=%.1f%% rate=%.1f/s\n",
		now.Sub(s.startTime).Round(time.Second),
		s.total, s.succeeded, s.failed, hitPct, rate)
}

// PrintFinal emits the end-of-run report
func (s *Stats) PrintFinal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.startTime)

	fmt.Printf("\n--- Results (%s) ---\n", elapsed.Round(time.Second))
	fmt.Printf("Requests:    %d (%.1f/s)\n", s.total, float64(s.total)/elapsed.Seconds())
	fmt.Printf("Succeeded:   %d\n", s.succeeded)
	fmt.Printf("Failed:      %d\n", s.failed)
	if s.succeeded > 0 {
		fmt.Printf("Cache hits:  %d (%.1f%%)\n", s.cacheHits,
			100*float64(s.cacheHits)/float64(s.succeeded))
	}
	fmt.Printf("Transferred: %.1f MB\n", float64(s.bytes)/(1<<20))

	if len(s.latencies) > 0 {
		sorted := make([]time.Duration, len(s.latencies))
		copy(sorted, s.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		fmt.Printf("Latency:     p50=%s p90=%s p99=%s max=%s\n",
			percentile(sorted, 50).Round(time.Millisecond),
			percentile(sorted, 90).Round(time.Millisecond),
			percentile(sorted, 99).Round(time.Millisecond),
			sorted[len(sorted)-1].Round(time.Millisecond))
	}

	if len(s.byStatus) > 0 {
		fmt.Println("\nBy status:")
		statuses := make([]int, 0, len(s.byStatus))
		for code := range s.byStatus {
			statuses = append(statuses, code)
		}
		sort.Ints(statuses)
		for _, code := range statuses {
			fmt.Printf("  %d: %d\n", code, s.byStatus[code])
		}
	}

	if len(s.byErrorKind) > 0 {
		fmt.Println("\nBy error kind:")
		kinds := make([]string, 0, len(s.byErrorKind))
		for kind := range s.byErrorKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Printf("  %s: %d\n", kind, s.byErrorKind[kind])
		}
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

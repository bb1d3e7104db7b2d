// Copyright 2017 Volker Dobler.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package latency summarises execution times in a histogram whose bucket
// width grows exponentially.
//
// Times are counted in whole milliseconds. The first 1<<bits buckets are
// one millisecond wide; in each following block of 1<<bits buckets the
// width doubles. Quantiles are thus exact for short times and have a
// relative error of at most 1/(1<<bits) for long ones.
package latency

import (
	"time"
)

// Hist counts durations.
type Hist struct {
	Overflow int // number of durations above Max

	n     int // buckets per block
	max   int // largest countable value in ms
	count []int
	total int
	sum   time.Duration
	peak  time.Duration
}

// New returns a histogram with a resolution of bits which can count
// durations up to at least max.
func New(bits uint, max time.Duration) *Hist {
	h := &Hist{n: 1 << bits}
	_, last := h.cover(h.bucket(ms(max)))
	h.max = last
	h.count = make([]int, h.bucket(last)+1)
	return h
}

func ms(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / time.Millisecond)
}

// Max is the largest duration h can count without overflow.
func (h *Hist) Max() time.Duration {
	return time.Duration(h.max) * time.Millisecond
}

// bucket returns the index of the bucket v falls into. Block p covers the
// values [n*2^p - n, n*2^(p+1) - n).
func (h *Hist) bucket(v int) int {
	n := h.n
	if v < n {
		return v
	}
	p := uint(0)
	for n*(1<<(p+1))-n <= v {
		p++
	}
	low := n*(1<<p) - n
	return n*int(p) + (v-low)/(1<<p)
}

// cover returns the value interval [a,b) of bucket.
func (h *Hist) cover(bucket int) (a, b int) {
	n := h.n
	u, p := bucket%n, uint(bucket/n)
	w := 1 << p
	a = n*(1<<p) - n + u*w
	return a, a + w
}

// Add counts d.
func (h *Hist) Add(d time.Duration) {
	h.total++
	h.sum += d
	if d > h.peak {
		h.peak = d
	}
	v := ms(d)
	if v >= h.max {
		h.Overflow++
		return
	}
	h.count[h.bucket(v)]++
}

// Count is the number of added durations.
func (h *Hist) Count() int { return h.total }

// Mean is the exact arithmetic mean of all added durations.
func (h *Hist) Mean() time.Duration {
	if h.total == 0 {
		return 0
	}
	return h.sum / time.Duration(h.total)
}

// Peak is the largest added duration.
func (h *Hist) Peak() time.Duration { return h.peak }

// Quantile approximates the p-quantile (0 <= p <= 1) of the counted
// durations by interpolating inside the bucket it falls into. Overflowing
// durations are ignored.
func (h *Hist) Quantile(p float64) time.Duration {
	counted := h.total - h.Overflow
	if counted == 0 {
		return 0
	}
	target := p * float64(counted)
	seen := 0
	for i, c := range h.count {
		if c == 0 {
			continue
		}
		if float64(seen+c) >= target {
			a, b := h.cover(i)
			f := (target - float64(seen)) / float64(c)
			v := float64(a) + f*float64(b-a)
			return time.Duration(v * float64(time.Millisecond))
		}
		seen += c
	}
	return h.Max()
}

// Summary are the usual figures of a set of durations.
type Summary struct {
	Count int
	Mean  time.Duration
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Peak  time.Duration
}

// Summarize returns the summary of ds.
func Summarize(ds []time.Duration) Summary {
	h := New(5, 10*time.Minute)
	for _, d := range ds {
		h.Add(d)
	}
	return Summary{
		Count: h.Count(),
		Mean:  h.Mean(),
		P50:   h.Quantile(0.5),
		P90:   h.Quantile(0.9),
		P99:   h.Quantile(0.99),
		Peak:  h.Peak(),
	}
}

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"slices"
)

// quantile is a streaming estimator of a single quantile, using the P²
// algorithm (Jain and Chlamtac, 1985): five markers, constant space, and
// constant time per observation.
//
// Thread Safety: NOT thread-safe.
type quantile struct {
	heights  [5]float64
	pos      [5]float64
	desired  [5]float64
	step     [5]float64
	p        float64
	observed int
}

func newQuantile(p float64) *quantile {
	p = min(max(p, 0), 1)
	return &quantile{
		p:    p,
		step: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (q *quantile) add(x float64) {
	if q.observed < 5 {
		q.heights[q.observed] = x
		q.observed++
		if q.observed == 5 {
			slices.Sort(q.heights[:])
			for i := range q.pos {
				q.pos[i] = float64(i)
			}
			q.desired = [5]float64{0, 2 * q.p, 4 * q.p, 2 + 2*q.p, 4}
		}
		return
	}
	q.observed++

	var cell int
	switch {
	case x < q.heights[0]:
		q.heights[0] = x
	case x >= q.heights[4]:
		q.heights[4] = x
		cell = 3
	default:
		for cell = 0; cell < 3; cell++ {
			if x < q.heights[cell+1] {
				break
			}
		}
	}

	for i := cell + 1; i < 5; i++ {
		q.pos[i]++
	}
	for i := range q.desired {
		q.desired[i] += q.step[i]
	}

	for i := 1; i < 4; i++ {
		d := q.desired[i] - q.pos[i]
		if !(d >= 1 && q.pos[i+1]-q.pos[i] > 1) && !(d <= -1 && q.pos[i-1]-q.pos[i] < -1) {
			continue
		}
		sign := 1.0
		if d < 0 {
			sign = -1
		}
		if h := q.parabolic(i, sign); q.heights[i-1] < h && h < q.heights[i+1] {
			q.heights[i] = h
		} else {
			q.heights[i] = q.linear(i, sign)
		}
		q.pos[i] += sign
	}
}

func (q *quantile) parabolic(i int, d float64) float64 {
	n0, n1, n2 := q.pos[i-1], q.pos[i], q.pos[i+1]
	return q.heights[i] + d/(n2-n0)*
		((n1-n0+d)*(q.heights[i+1]-q.heights[i])/(n2-n1)+
			(n2-n1-d)*(q.heights[i]-q.heights[i-1])/(n1-n0))
}

func (q *quantile) linear(i int, d float64) float64 {
	j := i + int(d)
	return q.heights[i] + d*(q.heights[j]-q.heights[i])/(q.pos[j]-q.pos[i])
}

// value returns the current estimate, exact while fewer than five
// observations have been made.
func (q *quantile) value() float64 {
	switch {
	case q.observed == 0:
		return 0
	case q.observed < 5:
		buf := slices.Clone(q.heights[:q.observed])
		slices.Sort(buf)
		return buf[int(float64(len(buf)-1)*q.p)]
	default:
		return q.heights[2]
	}
}

// Package sample picks tokens from model logits, optionally restricted by a
// grammar constraint.
package sample

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

var (
	ErrNoValidLogits = errors.New("no valid logits found for sampling")
	errOutOfRange    = errors.New("transform parameter out of range")
)

// Transform rewrites logits in place, setting excluded entries to -Inf.
type Transform interface {
	Apply([]float64) ([]float64, error)
}

type Sampler interface {
	Sample([]float32, ...Transform) (int, error)
}

// softmax tolerates -Inf entries as long as one logit is finite.
func softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v - lse)
	}
	return probs
}

// Temperature rescales logits; the largest becomes 0.
type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t <= 0 || t > 2 {
		return nil, fmt.Errorf("%w: temperature %v not in (0, 2]; use Greedy for 0", errOutOfRange, float64(t))
	}
	top := floats.Max(logits)
	if math.IsInf(top, -1) {
		return nil, ErrNoValidLogits
	}
	floats.AddConst(-top, logits)
	floats.Scale(1/float64(t), logits)
	return logits, nil
}

// TopK keeps the k largest logits.
type TopK int

func (k TopK) Apply(logits []float64) ([]float64, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: top_k %d", errOutOfRange, int(k))
	}
	if int(k) >= len(logits) {
		return logits, nil
	}

	// min-heap holding the best k indices seen so far
	q := pq.NewWith(func(a, b int) int {
		return cmp.Or(cmp.Compare(logits[a], logits[b]), cmp.Compare(b, a))
	})
	for i := range logits {
		q.Enqueue(i)
		if q.Size() > int(k) {
			q.Dequeue()
		}
	}

	keep := make([]bool, len(logits))
	for _, i := range q.Values() {
		keep[i] = true
	}
	for i := range logits {
		if !keep[i] {
			logits[i] = math.Inf(-1)
		}
	}
	return logits, nil
}

// TopP keeps the smallest set of most likely tokens whose probabilities sum
// to more than p.
type TopP float64

func (p TopP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p > 1 {
		return nil, fmt.Errorf("%w: top_p %v", errOutOfRange, float64(p))
	}
	if p == 1 {
		return logits, nil
	}

	probs := softmax(logits)
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(i, j int) int {
		return cmp.Compare(probs[j], probs[i])
	})

	var mass float64
	cut := len(order)
	for n, i := range order {
		mass += probs[i]
		if mass > float64(p) {
			cut = n + 1
			break
		}
	}
	for _, i := range order[cut:] {
		logits[i] = math.Inf(-1)
	}
	return logits, nil
}

// MinP drops tokens less likely than p times the most likely one.
type MinP float64

func (p MinP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, fmt.Errorf("%w: min_p %v", errOutOfRange, float64(p))
	}

	// prob < p*maxProb  <=>  logit < maxLogit + log(p)
	threshold := floats.Max(logits) + math.Log(float64(p))
	for i, v := range logits {
		if v < threshold {
			logits[i] = math.Inf(-1)
		}
	}
	return logits, nil
}

func apply(logits []float32, transforms []Transform) ([]float64, error) {
	if len(logits) == 0 {
		return nil, errors.New("no logits provided to sample")
	}
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v)
	}
	for _, t := range transforms {
		var err error
		if out, err = t.Apply(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type greedy struct{}

// Greedy picks the highest logit left after the transforms.
func Greedy() Sampler {
	return greedy{}
}

func (greedy) Sample(logits []float32, transforms ...Transform) (int, error) {
	values, err := apply(logits, transforms)
	if err != nil {
		return -1, err
	}
	idx := floats.MaxIdx(values)
	if v := values[idx]; math.IsInf(v, -1) || math.IsNaN(v) {
		return -1, ErrNoValidLogits
	}
	return idx, nil
}

type weighted struct {
	src rand.Source
}

// Weighted draws from the softmax of the transformed logits. A nil seed
// uses the global source.
func Weighted(seed *uint64) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(*seed)
	}
	return weighted{src: src}
}

func (s weighted) Sample(logits []float32, transforms ...Transform) (int, error) {
	values, err := apply(logits, transforms)
	if err != nil {
		return -1, err
	}

	var finite []float64
	var ids []int
	for i, v := range values {
		if !math.IsInf(v, -1) && !math.IsNaN(v) {
			finite = append(finite, v)
			ids = append(ids, i)
		}
	}
	if len(finite) == 0 {
		return -1, ErrNoValidLogits
	}

	w := sampleuv.NewWeighted(softmax(finite), s.src)
	idx, ok := w.Take()
	if !ok {
		return -1, errors.New("weighted sampler has no mass left")
	}
	return ids[idx], nil
}

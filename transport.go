package main

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Discrete optimal transport between two cell populations.
//
// Given a cost matrix M (n source cells x m target cells) and marginals
// a (length n) and b (length m), find the coupling G >= 0 with
//
//   Σ_j G[i,j] = a[i]    Σ_i G[i,j] = b[j]    minimising Σ G[i,j]·M[i,j]
//
// EMD solves this exactly with the primal network simplex on the complete
// bipartite graph source i ──► target j. Marginals are scaled to integers
// (uniform marginals exactly: every source supplies m units, every target
// demands n) so flows stay integral.
//
// The spanning tree basis hangs off an artificial root: initially every
// source ships its supply to the root and the root feeds every target, at a
// cost large enough that any real arc is cheaper. Each pivot
//
//   1. picks an entering arc with negative reduced cost c + π(i) - π(j),
//      scanning arcs in blocks of about sqrt(n·m) from where the last scan
//      stopped
//   2. walks the cycle it closes in the tree up to the common ancestor and
//      picks the leaving arc (strongly feasible rule, so degenerate pivots
//      cannot cycle)
//   3. pushes flow around the cycle, re-hangs the cut subtree and shifts its
//      potentials
//
// The tree is kept as parent pointers plus a preorder thread, so a pivot
// touches only the cycle and the moved subtree. Non-tree arcs carry no flow,
// so flow is stored per tree node (on the arc to its parent) and memory is
// O(n+m) beyond the cost matrix.
//
// Sinkhorn solves the entropy-regularised problem in the log domain. It is
// faster on large populations and gives a dense, blurred coupling.
//
// ===========================================================================

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gonum.org/v1/gonum/floats"
)

// Distance metrics accepted by PairwiseDistance.
const (
	MetricEuclidean   = "euclidean"
	MetricSqEuclidean = "sqeuclidean"
	MetricCityblock   = "cityblock"
)

// OT solvers accepted by PredictConfig.
const (
	SolverEMD      = "emd"
	SolverSinkhorn = "sinkhorn"
)

// metricFunc resolves a metric name. The empty name means euclidean.
func metricFunc(name string) (func(a, b []float64) float64, error) {
	switch name {
	case "", MetricEuclidean:
		return func(a, b []float64) float64 { return floats.Distance(a, b, 2) }, nil
	case MetricSqEuclidean:
		return func(a, b []float64) float64 {
			d := floats.Distance(a, b, 2)
			return d * d
		}, nil
	case MetricCityblock:
		return func(a, b []float64) float64 { return floats.Distance(a, b, 1) }, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown metric %q", name))
}

// PairwiseDistance returns the (a.Rows, b.Rows) matrix of distances between
// the rows of a and the rows of b.
func PairwiseDistance(a, b *Tensor, metric string) (*Tensor, error) {
	if a.Cols() != b.Cols() {
		return nil, errors.E(errors.Invalid, ErrShapeMismatch.Error(), fmt.Sprintf("%v vs %v", a.shape, b.shape))
	}
	dist, err := metricFunc(metric)
	if err != nil {
		return nil, err
	}
	out := NewTensor(a.Rows(), b.Rows())
	ParallelRows(a.Rows(), globalComputeConfig, func(start, end int) {
		for i := start; i < end; i++ {
			ar, o := a.Row(i), out.Row(i)
			for j := range o {
				o[j] = dist(ar, b.Row(j))
			}
		}
	})
	return out, nil
}

// CosineSimilarity returns the (a.Rows, b.Rows) matrix of cosine similarities.
// Rows with zero norm have similarity 0 to everything.
func CosineSimilarity(a, b *Tensor) *Tensor {
	if a.Cols() != b.Cols() {
		panic(fmt.Sprintf("tensor: cannot compare rows of %v and %v", a.shape, b.shape))
	}
	bNorm := make([]float64, b.Rows())
	for j := range bNorm {
		bNorm[j] = floats.Norm(b.Row(j), 2)
	}
	out := NewTensor(a.Rows(), b.Rows())
	ParallelRows(a.Rows(), globalComputeConfig, func(start, end int) {
		for i := start; i < end; i++ {
			ar, o := a.Row(i), out.Row(i)
			an := floats.Norm(ar, 2)
			if an == 0 {
				continue
			}
			for j := range o {
				if bNorm[j] == 0 {
					continue
				}
				o[j] = floats.Dot(ar, b.Row(j)) / (an * bNorm[j])
			}
		}
	})
	return out
}

// MatchColumns returns, for every column j of the coupling g, the row that
// carries the most mass. Ties go to the lowest row index.
func MatchColumns(g *Tensor) []int {
	n, m := g.Rows(), g.Cols()
	match := make([]int, m)
	for j := 0; j < m; j++ {
		best := g.data[j]
		for i := 1; i < n; i++ {
			if v := g.data[i*m+j]; v > best {
				best, match[j] = v, i
			}
		}
	}
	return match
}

// marginalScale is the integer resolution used for non-uniform marginals.
const marginalScale = 1 << 20

// EMD returns the exact optimal coupling between marginals a and b under
// cost matrix cost. Nil marginals are uniform. Non-uniform marginals are
// normalised and quantised to 1/2^20. maxIter bounds the number of simplex
// pivots; exceeding it is an error.
func EMD(a, b []float64, cost *Tensor, maxIter int) (*Tensor, error) {
	n, m := cost.Rows(), cost.Cols()
	if n == 0 || m == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("emd: empty %dx%d cost matrix", n, m))
	}
	supply, demand, total, err := integerMarginals(a, b, n, m)
	if err != nil {
		return nil, err
	}
	for _, c := range cost.data {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, errors.E(errors.Invalid, "emd: cost matrix has non-finite entries")
		}
	}

	ns := newNetworkSimplex(cost, supply, demand)
	iter := 0
	for ns.findEnteringArc() {
		if iter >= maxIter {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("emd: not optimal after %d pivots", maxIter))
		}
		if err := ns.pivot(); err != nil {
			return nil, err
		}
		iter++
	}
	log.Debug.Printf("emd: %dx%d solved in %d pivots", n, m, iter)

	g := NewTensor(n, m)
	inv := 1 / float64(total)
	for u := 0; u < n+m; u++ {
		e := ns.predArc[u]
		if e < 0 {
			if ns.flow[u] > 0 {
				return nil, errors.E(errors.Invalid, "emd: marginals cannot be balanced")
			}
			continue
		}
		g.data[e] += float64(ns.flow[u]) * inv
	}
	return g, nil
}

// integerMarginals converts marginals to integer supplies and demands with
// equal totals.
func integerMarginals(a, b []float64, n, m int) (supply, demand []int64, total int64, err error) {
	supply = make([]int64, n)
	demand = make([]int64, m)
	if a == nil && b == nil {
		for i := range supply {
			supply[i] = int64(m)
		}
		for j := range demand {
			demand[j] = int64(n)
		}
		return supply, demand, int64(n) * int64(m), nil
	}
	if a == nil {
		a = uniform(n)
	}
	if b == nil {
		b = uniform(m)
	}
	if len(a) != n || len(b) != m {
		return nil, nil, 0, errors.E(errors.Invalid, fmt.Sprintf("emd: marginals of length %d, %d for a %dx%d cost", len(a), len(b), n, m))
	}
	if err := quantise(a, supply); err != nil {
		return nil, nil, 0, err
	}
	if err := quantise(b, demand); err != nil {
		return nil, nil, 0, err
	}
	return supply, demand, marginalScale, nil
}

func uniform(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// quantise writes round(w/Σw · marginalScale) into out and moves the
// rounding residue onto the largest entry.
func quantise(w []float64, out []int64) error {
	sum := 0.0
	for _, v := range w {
		if v < 0 || math.IsNaN(v) {
			return errors.E(errors.Invalid, "emd: marginals must be non-negative")
		}
		sum += v
	}
	if sum == 0 {
		return errors.E(errors.Invalid, "emd: marginals sum to zero")
	}
	var got int64
	largest := 0
	for i, v := range w {
		out[i] = int64(math.Round(v / sum * marginalScale))
		got += out[i]
		if out[i] > out[largest] {
			largest = i
		}
	}
	out[largest] += marginalScale - got
	return nil
}

// minBlockSize is the smallest pricing block.
const minBlockSize = 10

// networkSimplex is the spanning-tree state of the transportation simplex.
// Nodes 0..n-1 are sources, n..n+m-1 targets, n+m the artificial root. Real
// arc e = i*m + j runs from source i to target j. A node's tree arc is
// predArc (-1 for its artificial arc to the root), oriented towards the
// parent when predUp is set, carrying flow.
type networkSimplex struct {
	n, m int
	cost []float64
	root int

	parent    []int
	predArc   []int
	predUp    []bool
	flow      []int64
	thread    []int // preorder successor
	revThread []int
	succNum   []int // subtree size
	lastSucc  []int // last node of the subtree in thread order
	pi        []float64

	blockSize int
	nextArc   int
	eps       float64
	dirty     []int

	// Current pivot.
	in             int
	join, uIn, vIn int
	uOut           int
	delta          int64
}

func newNetworkSimplex(cost *Tensor, supply, demand []int64) *networkSimplex {
	n, m := cost.Rows(), cost.Cols()
	nodes := n + m + 1
	root := n + m
	ns := &networkSimplex{
		n:         n,
		m:         m,
		cost:      cost.data,
		root:      root,
		parent:    make([]int, nodes),
		predArc:   make([]int, nodes),
		predUp:    make([]bool, nodes),
		flow:      make([]int64, nodes),
		thread:    make([]int, nodes),
		revThread: make([]int, nodes),
		succNum:   make([]int, nodes),
		lastSucc:  make([]int, nodes),
		pi:        make([]float64, nodes),
	}
	ns.blockSize = int(math.Sqrt(float64(n * m)))
	if ns.blockSize < minBlockSize {
		ns.blockSize = minBlockSize
	}

	maxCost := 0.0
	for _, c := range cost.data {
		maxCost = math.Max(maxCost, math.Abs(c))
	}
	artCost := (maxCost + 1) * float64(n+m)
	// Reduced costs are differences of potentials of size up to artCost.
	ns.eps = 1e-12 * artCost

	ns.parent[root] = -1
	ns.predArc[root] = -1
	ns.thread[root] = 0
	ns.revThread[0] = root
	ns.succNum[root] = nodes
	ns.lastSucc[root] = root - 1
	for u := 0; u < root; u++ {
		ns.parent[u] = root
		ns.predArc[u] = -1
		ns.thread[u] = u + 1
		ns.revThread[u+1] = u
		ns.succNum[u] = 1
		ns.lastSucc[u] = u
		if u < n {
			// Artificial arc u -> root at cost 0.
			ns.predUp[u] = true
			ns.flow[u] = supply[u]
		} else {
			// Artificial arc root -> u at cost artCost.
			ns.flow[u] = demand[u-n]
			ns.pi[u] = artCost
		}
	}
	return ns
}

// findEnteringArc scans real arcs block by block, starting where the last
// scan stopped, and takes the most negative reduced cost of the first block
// that has one. It reports false at optimality.
func (ns *networkSimplex) findEnteringArc() bool {
	n, m := ns.n, ns.m
	total := n * m
	best, bestCost := -1, -ns.eps
	e := ns.nextArc
	i, j := e/m, e%m
	cnt := ns.blockSize
	for k := 0; k < total; k++ {
		if rc := ns.cost[e] + ns.pi[i] - ns.pi[n+j]; rc < bestCost {
			best, bestCost = e, rc
		}
		e++
		if j++; j == m {
			j = 0
			if i++; i == n {
				i, e = 0, 0
			}
		}
		if cnt--; cnt == 0 {
			if best >= 0 {
				break
			}
			cnt = ns.blockSize
		}
	}
	if best < 0 {
		return false
	}
	ns.nextArc = e
	ns.in = best
	return true
}

// pivot brings ns.in into the basis.
func (ns *networkSimplex) pivot() error {
	first, second := ns.in/ns.m, ns.n+ns.in%ns.m

	// Join node: the lowest common ancestor of the entering arc's ends.
	u, v := first, second
	for u != v {
		if ns.succNum[u] < ns.succNum[v] {
			u = ns.parent[u]
		} else {
			v = ns.parent[v]
		}
	}
	ns.join = u

	// Leaving arc. Flow goes join -> first -> second -> join, so only tree
	// arcs traversed against their orientation can limit it.
	const inf = math.MaxInt64
	delta, side := int64(inf), 0
	for u := first; u != ns.join; u = ns.parent[u] {
		if ns.predUp[u] && ns.flow[u] < delta {
			delta, ns.uOut, side = ns.flow[u], u, 1
		}
	}
	for u := second; u != ns.join; u = ns.parent[u] {
		if !ns.predUp[u] && ns.flow[u] <= delta {
			delta, ns.uOut, side = ns.flow[u], u, 2
		}
	}
	if side == 0 {
		return errors.E(errors.Invalid, "emd: unbounded pivot")
	}
	ns.delta = delta
	if side == 1 {
		ns.uIn, ns.vIn = first, second
	} else {
		ns.uIn, ns.vIn = second, first
	}

	if delta > 0 {
		for u := first; u != ns.join; u = ns.parent[u] {
			if ns.predUp[u] {
				ns.flow[u] -= delta
			} else {
				ns.flow[u] += delta
			}
		}
		for u := second; u != ns.join; u = ns.parent[u] {
			if ns.predUp[u] {
				ns.flow[u] += delta
			} else {
				ns.flow[u] -= delta
			}
		}
	}

	ns.updateTree()
	ns.updatePotential()
	return nil
}

// updateTree removes the arc above uOut, hangs the subtree containing uIn
// below vIn through the entering arc and repairs the thread, subtree sizes
// and last successors.
func (ns *networkSimplex) updateTree() {
	uIn, vIn, uOut, join := ns.uIn, ns.vIn, ns.uOut, ns.join
	inUp := uIn < ns.n // sources are the tail of every real arc
	oldRevThread := ns.revThread[uOut]
	oldSuccNum := ns.succNum[uOut]
	oldLastSucc := ns.lastSucc[uOut]
	vOut := ns.parent[uOut]

	if uIn == uOut {
		ns.parent[uIn] = vIn
		ns.predArc[uIn] = ns.in
		ns.predUp[uIn] = inUp
		ns.flow[uIn] = ns.delta

		if ns.thread[vIn] != uOut {
			after := ns.thread[oldLastSucc]
			ns.thread[oldRevThread] = after
			ns.revThread[after] = oldRevThread
			after = ns.thread[vIn]
			ns.thread[vIn] = uOut
			ns.revThread[uOut] = vIn
			ns.thread[oldLastSucc] = after
			ns.revThread[after] = oldLastSucc
		}
	} else {
		threadContinue := ns.thread[vIn]
		if oldRevThread == vIn {
			threadContinue = ns.thread[oldLastSucc]
		}

		// Re-thread and re-parent the stem from uIn up to uOut.
		stem, parStem := uIn, vIn
		last := ns.lastSucc[uIn]
		after := ns.thread[last]
		ns.thread[vIn] = uIn
		ns.dirty = append(ns.dirty[:0], vIn)
		for stem != uOut {
			next := ns.parent[stem]
			ns.thread[last] = next
			ns.dirty = append(ns.dirty, last)

			before := ns.revThread[stem]
			ns.thread[before] = after
			ns.revThread[after] = before

			ns.parent[stem] = parStem
			parStem, stem = stem, next

			if ns.lastSucc[stem] == ns.lastSucc[parStem] {
				last = ns.revThread[parStem]
			} else {
				last = ns.lastSucc[stem]
			}
			after = ns.thread[last]
		}
		ns.parent[uOut] = parStem
		ns.thread[last] = threadContinue
		ns.revThread[threadContinue] = last
		ns.lastSucc[uOut] = last

		if oldRevThread != vIn {
			ns.thread[oldRevThread] = after
			ns.revThread[after] = oldRevThread
		}
		for _, u := range ns.dirty {
			ns.revThread[ns.thread[u]] = u
		}

		// Tree arcs along the stem now hang from the other end.
		sc, ls := 0, ns.lastSucc[uOut]
		for u, p := uOut, ns.parent[uOut]; u != uIn; u, p = p, ns.parent[p] {
			ns.predArc[u] = ns.predArc[p]
			ns.predUp[u] = !ns.predUp[p]
			ns.flow[u] = ns.flow[p]
			sc += ns.succNum[u] - ns.succNum[p]
			ns.succNum[u] = sc
			ns.lastSucc[p] = ls
		}
		ns.predArc[uIn] = ns.in
		ns.predUp[uIn] = inUp
		ns.flow[uIn] = ns.delta
		ns.succNum[uIn] = oldSuccNum
	}

	upLimitOut := -1
	if ns.lastSucc[join] == vIn {
		upLimitOut = join
	}
	lastSuccOut := ns.lastSucc[uOut]
	for u := vIn; u != -1 && ns.lastSucc[u] == vIn; u = ns.parent[u] {
		ns.lastSucc[u] = lastSuccOut
	}
	if join != oldRevThread && vIn != oldRevThread {
		for u := vOut; u != upLimitOut && ns.lastSucc[u] == oldLastSucc; u = ns.parent[u] {
			ns.lastSucc[u] = oldRevThread
		}
	} else if lastSuccOut != oldLastSucc {
		for u := vOut; u != upLimitOut && ns.lastSucc[u] == oldLastSucc; u = ns.parent[u] {
			ns.lastSucc[u] = lastSuccOut
		}
	}

	for u := vIn; u != join; u = ns.parent[u] {
		ns.succNum[u] += oldSuccNum
	}
	for u := vOut; u != join; u = ns.parent[u] {
		ns.succNum[u] -= oldSuccNum
	}
}

// updatePotential makes the entering arc's reduced cost zero by shifting
// the potentials of the subtree now hanging from it.
func (ns *networkSimplex) updatePotential() {
	c := ns.cost[ns.in]
	sigma := ns.pi[ns.vIn] - ns.pi[ns.uIn] + c
	if ns.predUp[ns.uIn] {
		sigma = ns.pi[ns.vIn] - ns.pi[ns.uIn] - c
	}
	end := ns.thread[ns.lastSucc[ns.uIn]]
	for u := ns.uIn; u != end; u = ns.thread[u] {
		ns.pi[u] += sigma
	}
}

// Sinkhorn returns the entropy-regularised coupling between a and b (nil
// means uniform) under cost. Iteration stops when the row marginals are
// within tol in L1 or after maxIter rounds.
func Sinkhorn(a, b []float64, cost *Tensor, reg float64, maxIter int, tol float64) (*Tensor, error) {
	n, m := cost.Rows(), cost.Cols()
	if reg <= 0 {
		return nil, errors.E(errors.Invalid, "sinkhorn: reg must be positive")
	}
	if a == nil {
		a = uniform(n)
	}
	if b == nil {
		b = uniform(m)
	}
	if len(a) != n || len(b) != m {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sinkhorn: marginals of length %d, %d for a %dx%d cost", len(a), len(b), n, m))
	}
	logA, logB := make([]float64, n), make([]float64, m)
	for i, v := range a {
		logA[i] = math.Log(v)
	}
	for j, v := range b {
		logB[j] = math.Log(v)
	}

	// Dual potentials f, g; G[i,j] = exp((f_i + g_j - M_ij) / reg).
	fPot, gPot := make([]float64, n), make([]float64, m)
	rowBuf, colBuf := make([]float64, m), make([]float64, n)
	rowSums := make([]float64, n)

	iter := 0
	for ; iter < maxIter; iter++ {
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				rowBuf[j] = (gPot[j] - cost.data[i*m+j]) / reg
			}
			fPot[i] = reg * (logA[i] - floats.LogSumExp(rowBuf))
		}
		for j := 0; j < m; j++ {
			for i := 0; i < n; i++ {
				colBuf[i] = (fPot[i] - cost.data[i*m+j]) / reg
			}
			gPot[j] = reg * (logB[j] - floats.LogSumExp(colBuf))
		}

		// Columns are exact after the g update; check the rows.
		errL1 := 0.0
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				rowBuf[j] = (fPot[i] + gPot[j] - cost.data[i*m+j]) / reg
			}
			rowSums[i] = math.Exp(floats.LogSumExp(rowBuf))
			errL1 += math.Abs(rowSums[i] - a[i])
		}
		if errL1 < tol {
			break
		}
	}
	if iter == maxIter {
		log.Printf("sinkhorn: marginals not within %g after %d iterations", tol, maxIter)
	}

	g := NewTensor(n, m)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			g.data[i*m+j] = math.Exp((fPot[i] + gPot[j] - cost.data[i*m+j]) / reg)
		}
	}
	return g, nil
}

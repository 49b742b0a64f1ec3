package pipeline

import (
	"math"

	"github.com/echolab/echoman/pkg/models"
	"github.com/echolab/echoman/pkg/textnorm"
)

// CosineSimilarity computes the cosine of two vectors; zero-norm inputs
// score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// BuildGroups links two items when their vectors reach simThreshold AND
// their normalized titles reach jaccardThreshold, then returns the
// connected components. Items must arrive in ascending fetched_at order;
// each component keeps that order, so its first element is the earliest
// item and acts as representative.
func BuildGroups(items []*models.SourceItem, vecs map[int64][]float32, simThreshold, jaccardThreshold float64) [][]*models.SourceItem {
	n := len(items)
	if n == 0 {
		return nil
	}

	titles := make([]string, n)
	for i, it := range items {
		titles[i] = textnorm.NormalizeTitle(it.Title)
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri != rj {
			// Attach the later root to the earlier one, keeping the
			// earliest item at each component's root.
			if ri < rj {
				parent[rj] = ri
			} else {
				parent[ri] = rj
			}
		}
	}

	for i := 0; i < n; i++ {
		vi, ok := vecs[items[i].ID]
		if !ok {
			continue
		}
		for j := i + 1; j < n; j++ {
			if find(i) == find(j) {
				continue
			}
			vj, ok := vecs[items[j].ID]
			if !ok {
				continue
			}
			if CosineSimilarity(vi, vj) < simThreshold {
				continue
			}
			if textnorm.TitleJaccard(titles[i], titles[j]) < jaccardThreshold {
				continue
			}
			union(i, j)
		}
	}

	// Collect components in first-seen order.
	byRoot := make(map[int][]*models.SourceItem)
	var order []int
	for i, it := range items {
		r := find(i)
		if _, seen := byRoot[r]; !seen {
			order = append(order, r)
		}
		byRoot[r] = append(byRoot[r], it)
	}

	groups := make([][]*models.SourceItem, 0, len(order))
	for _, r := range order {
		groups = append(groups, byRoot[r])
	}
	return groups
}

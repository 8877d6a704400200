package rules

import "sort"

// DefaultPriority is the priority of conditions and rules that declare none
const DefaultPriority = 1

// EffectivePriority returns the priority used to schedule c: its own
// priority if set, else the priority of the fact a comparison reads, else 1.
func EffectivePriority(c Condition, almanac *Almanac) int {
	if p := c.Priority(); p > 0 {
		return p
	}
	if cmp, ok := c.(*ComparisonCondition); ok && almanac != nil {
		if f, ok := almanac.Fact(cmp.fact); ok {
			return f.Priority()
		}
	}
	return DefaultPriority
}

// GroupByPriority splits sibling conditions into batches sharing an
// effective priority. Batches are ordered by ascending priority number, so
// cheap conditions run before the costly ones that may be skipped.
// Conditions keep their relative order within a batch.
func GroupByPriority(conditions []Condition, almanac *Almanac) [][]Condition {
	if len(conditions) == 0 {
		return nil
	}

	index := make(map[int]int)
	var priorities []int
	var batches [][]Condition
	for _, c := range conditions {
		p := EffectivePriority(c, almanac)
		i, ok := index[p]
		if !ok {
			i = len(batches)
			index[p] = i
			priorities = append(priorities, p)
			batches = append(batches, nil)
		}
		batches[i] = append(batches[i], c)
	}

	order := make([]int, len(batches))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return priorities[order[a]] < priorities[order[b]]
	})

	sorted := make([][]Condition, len(batches))
	for i, idx := range order {
		sorted[i] = batches[idx]
	}
	return sorted
}

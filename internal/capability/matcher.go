// Package capability scores worker agents against task capability
// requirements for the dispatch daemon.
package capability

import (
	"sort"
	"strings"

	"github.com/elementalhq/elemental/internal/store"
)

// defaultMaxConcurrent applies when an agent declares no concurrency limit.
const defaultMaxConcurrent = 1

// Candidate is an eligible worker with its preference score.
type Candidate struct {
	Worker store.IdleWorker
	Score  int
}

// Normalize lowercases and trims a capability token.
func Normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}

func normalizeSet(tokens []string) map[string]bool {
	out := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if n := Normalize(t); n != "" {
			out[n] = true
		}
	}
	return out
}

func containsAll(have map[string]bool, want []string) bool {
	for _, t := range want {
		n := Normalize(t)
		if n == "" {
			continue
		}
		if !have[n] {
			return false
		}
	}
	return true
}

func overlap(have map[string]bool, preferred []string) int {
	seen := make(map[string]bool, len(preferred))
	n := 0
	for _, t := range preferred {
		norm := Normalize(t)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		if have[norm] {
			n++
		}
	}
	return n
}

// Eligible reports whether the worker can take the task: it has spare
// concurrency and covers every required skill and language. Empty
// requirements match any worker. A worker that declares a limit of zero
// takes no assignments.
func Eligible(w store.IdleWorker, task store.TaskAssignmentSnapshot) bool {
	max := defaultMaxConcurrent
	if w.Capabilities.MaxConcurrentTasks != nil {
		max = *w.Capabilities.MaxConcurrentTasks
	}
	if w.AssignedCount >= max {
		return false
	}
	skills := normalizeSet(w.Capabilities.Skills)
	langs := normalizeSet(w.Capabilities.Languages)
	return containsAll(skills, task.RequiredSkills) && containsAll(langs, task.RequiredLanguages)
}

// Score counts preferred skills and languages the worker covers.
func Score(w store.IdleWorker, task store.TaskAssignmentSnapshot) int {
	skills := normalizeSet(w.Capabilities.Skills)
	langs := normalizeSet(w.Capabilities.Languages)
	return overlap(skills, task.PreferredSkills) + overlap(langs, task.PreferredLanguages)
}

// Rank returns the eligible workers ordered best-first: higher score, then
// fewer currently assigned tasks, then agent id.
func Rank(workers []store.IdleWorker, task store.TaskAssignmentSnapshot) []Candidate {
	var out []Candidate
	for _, w := range workers {
		if !Eligible(w, task) {
			continue
		}
		out = append(out, Candidate{Worker: w, Score: Score(w, task)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Worker.AssignedCount != out[j].Worker.AssignedCount {
			return out[i].Worker.AssignedCount < out[j].Worker.AssignedCount
		}
		return out[i].Worker.AgentID < out[j].Worker.AgentID
	})
	return out
}

// Best picks the top-ranked worker for the task.
func Best(workers []store.IdleWorker, task store.TaskAssignmentSnapshot) (store.IdleWorker, bool) {
	ranked := Rank(workers, task)
	if len(ranked) == 0 {
		return store.IdleWorker{}, false
	}
	return ranked[0].Worker, true
}

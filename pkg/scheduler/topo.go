package scheduler

import (
	"errors"
	"sort"

	"hive/pkg/persistence"
)

// ErrDependencyCycle is returned when the story graph cannot be ordered.
var ErrDependencyCycle = errors.New("dependency cycle detected")

// TopologicalSort orders stories so that every story follows its
// prerequisites, using Kahn's algorithm over the dependency edges
// restricted to the input set. A cycle yields ErrDependencyCycle and the
// caller assigns nothing.
func TopologicalSort(stories []*persistence.Story, edges []*persistence.StoryDependency) ([]*persistence.Story, error) {
	inSet := make(map[string]*persistence.Story, len(stories))
	order := make(map[string]int, len(stories))
	for i, story := range stories {
		inSet[story.ID] = story
		order[story.ID] = i
	}

	indegree := make(map[string]int, len(stories))
	dependents := make(map[string][]string)
	for _, edge := range edges {
		// Edges leaving the input set do not constrain ordering here;
		// dependency satisfaction is checked separately at assignment time.
		if inSet[edge.StoryID] == nil || inSet[edge.DependsOnStoryID] == nil {
			continue
		}
		indegree[edge.StoryID]++
		dependents[edge.DependsOnStoryID] = append(dependents[edge.DependsOnStoryID], edge.StoryID)
	}

	// Ready queue kept in input order for deterministic output.
	var ready []string
	for _, story := range stories {
		if indegree[story.ID] == 0 {
			ready = append(ready, story.ID)
		}
	}

	sorted := make([]*persistence.Story, 0, len(stories))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		sorted = append(sorted, inSet[id])

		next := dependents[id]
		sort.Slice(next, func(i, j int) bool { return order[next[i]] < order[next[j]] })
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(sorted) != len(stories) {
		return nil, ErrDependencyCycle
	}
	return sorted, nil
}

// dependenciesSatisfied reports whether every prerequisite of a story is
// underway or done. In-flight prerequisites count: a dependent may start
// once its prerequisite is being worked.
func (s *Scheduler) dependenciesSatisfied(storyID string) (bool, error) {
	deps, err := s.store.GetDependenciesFor(storyID)
	if err != nil {
		return false, err
	}
	for _, depID := range deps {
		dep, err := s.store.GetStory(depID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				// A vanished prerequisite blocks forever if treated as
				// unsatisfied; treat it as satisfied and let review catch it.
				continue
			}
			return false, err
		}
		if !persistence.SatisfiesDependency(dep.Status) {
			return false, nil
		}
	}
	return true, nil
}

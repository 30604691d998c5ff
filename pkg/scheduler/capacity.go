package scheduler

import (
	"regexp"

	"hive/pkg/config"
	"hive/pkg/persistence"
)

// refactorTitleRe marks stories that count against the refactor budget.
var refactorTitleRe = regexp.MustCompile(`(?i)^\s*refactor\s*:`)

// IsRefactorStory reports whether a story's title marks it as refactoring
// work.
func IsRefactorStory(story *persistence.Story) bool {
	return refactorTitleRe.MatchString(story.Title)
}

// SelectStoriesForCapacity applies the refactor-capacity policy to a batch
// of stories, preserving input order. Feature stories always pass. Refactor
// stories share a points budget derived from the feature work in the batch;
// with the policy disabled they are excluded entirely.
func SelectStoriesForCapacity(stories []*persistence.Story, policy config.RefactorConfig) []*persistence.Story {
	if !policy.Enabled {
		selected := make([]*persistence.Story, 0, len(stories))
		for _, story := range stories {
			if !IsRefactorStory(story) {
				selected = append(selected, story)
			}
		}
		return selected
	}

	featurePoints := 0
	for _, story := range stories {
		if !IsRefactorStory(story) {
			featurePoints += story.CapacityPoints()
		}
	}

	if featurePoints == 0 {
		// No feature work this batch: the policy decides whether pure
		// refactoring batches run at all.
		if policy.AllowWithoutFeatureWork {
			return stories
		}
		selected := make([]*persistence.Story, 0, len(stories))
		for _, story := range stories {
			if !IsRefactorStory(story) {
				selected = append(selected, story)
			}
		}
		return selected
	}

	budget := featurePoints * policy.CapacityPercent / 100
	if budget < 1 && policy.CapacityPercent > 0 {
		// Minimum one point of refactoring alongside any feature work.
		budget = 1
	}

	used := 0
	selected := make([]*persistence.Story, 0, len(stories))
	for _, story := range stories {
		if !IsRefactorStory(story) {
			selected = append(selected, story)
			continue
		}
		points := story.CapacityPoints()
		// One oversized refactor does not block later smaller ones.
		if used+points > budget {
			continue
		}
		used += points
		selected = append(selected, story)
	}
	return selected
}

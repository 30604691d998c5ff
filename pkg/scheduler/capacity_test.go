package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hive/pkg/config"
	"hive/pkg/persistence"
)

func feature(id string, points int) *persistence.Story {
	return &persistence.Story{ID: id, Title: "Add " + id, StoryPoints: &points}
}

func refactor(id string, points int) *persistence.Story {
	return &persistence.Story{ID: id, Title: "Refactor: " + id, StoryPoints: &points}
}

func TestCapacityDisabledExcludesRefactors(t *testing.T) {
	batch := []*persistence.Story{feature("f1", 5), refactor("r1", 1)}
	selected := SelectStoriesForCapacity(batch, config.RefactorConfig{Enabled: false})
	assert.Equal(t, []string{"f1"}, idsOf(selected))
}

func TestCapacityBudgetIsFloorOfPercent(t *testing.T) {
	// 10 feature points at 25% -> budget 2: r1 (2 points) fits, r2 does not.
	batch := []*persistence.Story{
		feature("f1", 10), refactor("r1", 2), refactor("r2", 1),
	}
	selected := SelectStoriesForCapacity(batch, config.RefactorConfig{
		Enabled: true, CapacityPercent: 25,
	})
	assert.Equal(t, []string{"f1", "r1"}, idsOf(selected))
}

func TestCapacityMinimumOnePoint(t *testing.T) {
	// 3 feature points at 20% floors to 0, but any feature work grants a
	// one-point refactor budget.
	batch := []*persistence.Story{feature("f1", 3), refactor("r1", 1)}
	selected := SelectStoriesForCapacity(batch, config.RefactorConfig{
		Enabled: true, CapacityPercent: 20,
	})
	assert.Equal(t, []string{"f1", "r1"}, idsOf(selected))
}

func TestCapacityOversizedRefactorDoesNotBlockSmallerOnes(t *testing.T) {
	// Budget 2: r1 (3 points) is skipped, r2 (2 points) still fits.
	batch := []*persistence.Story{
		feature("f1", 10), refactor("r1", 3), refactor("r2", 2),
	}
	selected := SelectStoriesForCapacity(batch, config.RefactorConfig{
		Enabled: true, CapacityPercent: 20,
	})
	assert.Equal(t, []string{"f1", "r2"}, idsOf(selected))
}

func TestCapacityNoFeatureWork(t *testing.T) {
	batch := []*persistence.Story{refactor("r1", 2), refactor("r2", 1)}

	selected := SelectStoriesForCapacity(batch, config.RefactorConfig{
		Enabled: true, CapacityPercent: 20, AllowWithoutFeatureWork: true,
	})
	assert.Equal(t, []string{"r1", "r2"}, idsOf(selected))

	selected = SelectStoriesForCapacity(batch, config.RefactorConfig{
		Enabled: true, CapacityPercent: 20, AllowWithoutFeatureWork: false,
	})
	assert.Empty(t, selected)
}

func TestIsRefactorStory(t *testing.T) {
	assert.True(t, IsRefactorStory(&persistence.Story{Title: "Refactor: extract parser"}))
	assert.True(t, IsRefactorStory(&persistence.Story{Title: "  refactor : tidy config"}))
	assert.False(t, IsRefactorStory(&persistence.Story{Title: "Add refactor button"}))
}

func TestCapacityZeroPointsCoercedToOne(t *testing.T) {
	zero := 0
	story := &persistence.Story{ID: "s", Title: "s", StoryPoints: &zero, ComplexityScore: 0}
	assert.Equal(t, 1, story.CapacityPoints())
}

// Package scoring computes awarded points and ranks players.
package scoring

import (
	"math"
	"sort"
	"strings"

	"quiz-session-engine/internal/domain"
)

// ComputePoints returns the points for an answer. A correct answer earns at
// least half of the question budget plus a linear time bonus on the other half.
func ComputePoints(q domain.Question, isCorrect bool, timeSpent float64) int {
	if !isCorrect {
		return 0
	}
	points := q.Points
	if points <= 0 {
		points = domain.DefaultQuestionPoints
	}
	base := points / 2

	ratio := 0.0
	if q.TimeLimit > 0 {
		limit := float64(q.TimeLimit)
		ratio = math.Max(0, (limit-timeSpent)/limit)
		ratio = math.Min(ratio, 1)
	}
	bonus := int(math.Floor(float64(base) * ratio))
	return base + bonus
}

// ClampTime bounds timeSpent into [0, timeLimit]; a non-positive limit only
// bounds from below.
func ClampTime(q domain.Question, timeSpent float64) float64 {
	if timeSpent < 0 || math.IsNaN(timeSpent) {
		return 0
	}
	if q.TimeLimit > 0 && timeSpent > float64(q.TimeLimit) {
		return float64(q.TimeLimit)
	}
	return timeSpent
}

// Rank orders players by score, then correct answers, then average response
// time, then name. Positions are 1-based.
func Rank(players []domain.Player) []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(players))
	for _, p := range players {
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID:       p.ID,
			Name:           p.Name,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers(),
			AverageTime:    p.AverageTime(),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.CorrectAnswers != b.CorrectAnswers {
			return a.CorrectAnswers > b.CorrectAnswers
		}
		if a.AverageTime != b.AverageTime {
			return a.AverageTime < b.AverageTime
		}
		return strings.ToLower(a.Name) < strings.ToLower(b.Name)
	})

	for i := range entries {
		entries[i].Position = i + 1
	}
	return entries
}

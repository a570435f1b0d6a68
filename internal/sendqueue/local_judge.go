package sendqueue

import (
	"context"

	"github.com/nextlevelbuilder/goreply/internal/textsim"
)

const defaultSimilarityThreshold = 0.8

// LocalJudge treats texts as similar when their bigram Dice coefficient reaches Threshold.
type LocalJudge struct {
	Threshold float64
}

func NewLocalJudge(threshold float64) *LocalJudge {
	if threshold <= 0 || threshold > 1 {
		threshold = defaultSimilarityThreshold
	}
	return &LocalJudge{Threshold: threshold}
}

func (j *LocalJudge) Judge(_ context.Context, a, b string) (Similarity, error) {
	score := textsim.Dice(a, b)
	return Similarity{Similar: score >= j.Threshold, Score: score}, nil
}

// Package enrich derives topic tags for a processed material.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/selector"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

const (
	MaxTags = 10
	// headingWeight counts a word in a heading as this many body hits.
	headingWeight = 5
	// minBodyCount filters words that appear only in passing.
	minBodyCount = 2
)

type Store interface {
	ListSegments(ctx context.Context, materialID string) ([]models.DocumentSegment, error)
	SetTags(ctx context.Context, id string, tags json.RawMessage) error
}

type Tagger struct {
	store Store
	log   *logger.Logger
}

func New(store Store, log *logger.Logger) *Tagger {
	return &Tagger{store: store, log: log.With("component", "enrich")}
}

// Tag computes and stores the material's tags.
func (t *Tagger) Tag(ctx context.Context, materialID string) ([]string, error) {
	segs, err := t.store.ListSegments(ctx, materialID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	tags := Tags(segs)
	data, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	if err := t.store.SetTags(ctx, materialID, data); err != nil {
		return nil, fmt.Errorf("set tags: %w", err)
	}
	t.log.Info("Material tagged", "material_id", materialID, "tags", len(tags))
	return tags, nil
}

// Handle runs an enrich_material job. Enrichment is best effort, so
// failures are logged and never retried.
func (t *Tagger) Handle(ctx context.Context, job worker.Job) error {
	if _, err := t.Tag(ctx, job.MaterialID); err != nil {
		t.log.Warn("Enrichment failed", "material_id", job.MaterialID, "error", err)
	}
	return nil
}

// Tags ranks words by weighted frequency: heading words count
// headingWeight times. Body-only words need minBodyCount hits. Ties break
// alphabetically.
func Tags(segs []models.DocumentSegment) []string {
	scores := make(map[string]int)
	inHeading := make(map[string]bool)
	seenHeading := make(map[string]bool)
	for _, s := range segs {
		for _, w := range selector.Words(s.Content) {
			scores[w]++
		}
		if s.Heading == nil || seenHeading[*s.Heading] {
			continue
		}
		seenHeading[*s.Heading] = true
		for _, w := range selector.Keywords(*s.Heading) {
			scores[w] += headingWeight
			inHeading[w] = true
		}
	}

	words := make([]string, 0, len(scores))
	for w, n := range scores {
		if !inHeading[w] && n < minBodyCount {
			continue
		}
		if isNumber(w) {
			continue
		}
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if scores[words[i]] != scores[words[j]] {
			return scores[words[i]] > scores[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > MaxTags {
		words = words[:MaxTags]
	}
	return words
}

func isNumber(w string) bool {
	return strings.Trim(w, "0123456789") == ""
}

// Package selector picks the subset of a material's segments that is sent
// to the generation engine, filtered by page range or topic and capped by a
// token budget.
package selector

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
)

const (
	DefaultMaxTokens   = 6000
	DefaultMaxSegments = 12
)

// Strategy names how a selection was made.
type Strategy string

const (
	StrategyAll       Strategy = "all"
	StrategyPageRange Strategy = "page_range"
	StrategyTopic     Strategy = "topic"
	StrategySampled   Strategy = "sampled"
)

// Scoring weights for topic matches.
const (
	phraseInBody     = 10
	phraseInHeading  = 8
	keywordInBody    = 2
	keywordInHeading = 3
)

// SegmentSource is the slice of the store the selector reads.
type SegmentSource interface {
	ListSegments(ctx context.Context, materialID string) ([]models.DocumentSegment, error)
}

type Query struct {
	MaterialID  string
	Topic       string
	PageStart   *int
	PageEnd     *int
	MaxTokens   int
	MaxSegments int
}

type Selection struct {
	Segments    []models.DocumentSegment
	TotalTokens int
	Strategy    Strategy
	// Fallback is set when a page range matched nothing and every segment
	// was used instead.
	Fallback bool
}

type Selector struct {
	source SegmentSource
	intn   func(n int) int
}

func New(source SegmentSource) *Selector {
	return &Selector{source: source, intn: rand.Intn}
}

// Select loads the material's segments and picks from them.
func (s *Selector) Select(ctx context.Context, q Query) (*Selection, error) {
	segs, err := s.source.ListSegments(ctx, q.MaterialID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	return s.From(segs, q), nil
}

// From selects among segs, which must be in segment index order.
func (s *Selector) From(segs []models.DocumentSegment, q Query) *Selection {
	if q.MaxTokens <= 0 {
		q.MaxTokens = DefaultMaxTokens
	}
	if q.MaxSegments <= 0 {
		q.MaxSegments = DefaultMaxSegments
	}
	sel := &Selection{Strategy: StrategyAll}
	if len(segs) == 0 {
		return sel
	}

	candidates := segs
	if q.PageStart != nil || q.PageEnd != nil {
		if inRange := filterPages(segs, q.PageStart, q.PageEnd); len(inRange) > 0 {
			candidates = inRange
			sel.Strategy = StrategyPageRange
		} else {
			sel.Fallback = true
		}
	}

	ranked := candidates
	if topic := strings.TrimSpace(q.Topic); topic != "" {
		if scored := rankByTopic(candidates, topic); len(scored) > 0 {
			ranked = scored
			sel.Strategy = StrategyTopic
		} else {
			ranked = s.sample(candidates, q.MaxSegments)
			sel.Strategy = StrategySampled
		}
	}

	sel.Segments, sel.TotalTokens = budget(ranked, q.MaxTokens, q.MaxSegments)
	return sel
}

func filterPages(segs []models.DocumentSegment, start, end *int) []models.DocumentSegment {
	lo, hi := 1, math.MaxInt
	if start != nil {
		lo = *start
	}
	if end != nil {
		hi = *end
	}
	var out []models.DocumentSegment
	for _, seg := range segs {
		if seg.PageStart == nil || seg.PageEnd == nil {
			continue
		}
		if *seg.PageStart <= hi && *seg.PageEnd >= lo {
			out = append(out, seg)
		}
	}
	return out
}

// Score rates how well a segment matches a topic. Zero means no match.
func Score(seg models.DocumentSegment, topic string) int {
	phrase := strings.ToLower(strings.TrimSpace(topic))
	body := strings.ToLower(seg.Content)
	heading := ""
	if seg.Heading != nil {
		heading = strings.ToLower(*seg.Heading)
	}

	score := 0
	if phrase != "" {
		if strings.Contains(body, phrase) {
			score += phraseInBody
		}
		if heading != "" && strings.Contains(heading, phrase) {
			score += phraseInHeading
		}
	}
	for _, kw := range Keywords(topic) {
		if strings.Contains(body, kw) {
			score += keywordInBody
		}
		if heading != "" && strings.Contains(heading, kw) {
			score += keywordInHeading
		}
	}
	return score
}

func rankByTopic(segs []models.DocumentSegment, topic string) []models.DocumentSegment {
	type scored struct {
		seg   models.DocumentSegment
		score int
	}
	var hits []scored
	for _, seg := range segs {
		if sc := Score(seg, topic); sc > 0 {
			hits = append(hits, scored{seg, sc})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].seg.SegmentIndex < hits[j].seg.SegmentIndex
	})
	out := make([]models.DocumentSegment, len(hits))
	for i, h := range hits {
		out[i] = h.seg
	}
	return out
}

// sample takes every stride-th segment starting at a random offset inside
// the first stride, so the picks spread across the whole document.
func (s *Selector) sample(segs []models.DocumentSegment, want int) []models.DocumentSegment {
	if len(segs) <= want {
		return segs
	}
	stride := (len(segs) + want - 1) / want
	offset := s.intn(stride)
	var out []models.DocumentSegment
	for i := offset; i < len(segs); i += stride {
		out = append(out, segs[i])
	}
	return out
}

// budget accumulates segments in the given order until the next one would
// break the token or count cap, keeping at least one. The result is in
// segment index order.
func budget(ranked []models.DocumentSegment, maxTokens, maxSegments int) ([]models.DocumentSegment, int) {
	var (
		out   []models.DocumentSegment
		total int
	)
	for _, seg := range ranked {
		if len(out) >= maxSegments {
			break
		}
		if len(out) > 0 && total+seg.TokenCount > maxTokens {
			break
		}
		out = append(out, seg)
		total += seg.TokenCount
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentIndex < out[j].SegmentIndex })
	return out, total
}

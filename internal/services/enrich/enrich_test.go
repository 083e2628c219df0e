package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/database/memstore"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/logger"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/models"
	"github.com/Shimizu-Technology/study-pipeline-api/internal/services/worker"
)

func strp(s string) *string { return &s }

func TestTags(t *testing.T) {
	segs := []models.DocumentSegment{
		{Heading: strp("Photosynthesis"), Content: "Chlorophyll absorbs light. Chlorophyll reflects green light in 2024."},
		{Heading: strp("Photosynthesis"), Content: "The Calvin cycle fixes carbon. Light drives the cycle."},
		{Content: "Mitochondria appear once."},
	}
	tags := Tags(segs)

	require.NotEmpty(t, tags)
	assert.Equal(t, "photosynthesis", tags[0])
	assert.Equal(t, "light", tags[1])
	assert.Contains(t, tags, "chlorophyll")
	assert.Contains(t, tags, "cycle")
	assert.NotContains(t, tags, "mitochondria", "single body mention")
	assert.NotContains(t, tags, "2024")
}

func TestTagsCapped(t *testing.T) {
	var segs []models.DocumentSegment
	for i := 0; i < 30; i++ {
		segs = append(segs, models.DocumentSegment{Heading: strp(fmt.Sprintf("Topic%c", 'a'+i%26)), Content: "filler"})
	}
	assert.Len(t, Tags(segs), MaxTags)
}

func TestTagStoresTags(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	m := &models.Material{ID: "3f1c1f0e-8e44-4c55-9a4c-6c1d1f0b2a01", Filename: "bio.pdf"}
	require.NoError(t, store.CreateMaterial(ctx, m))
	require.NoError(t, store.ReplaceSegments(ctx, m.ID, []models.DocumentSegment{
		{SegmentIndex: 0, Heading: strp("Genetics"), Content: "Genes carry traits. Genes mutate.", TokenCount: 9},
	}))

	tags, err := New(store, logger.Nop()).Tag(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"genetics", "genes"}, tags)

	got, err := store.GetMaterial(ctx, m.ID)
	require.NoError(t, err)
	var stored []string
	require.NoError(t, json.Unmarshal(got.Tags, &stored))
	assert.Equal(t, tags, stored)
}

func TestHandleSwallowsFailures(t *testing.T) {
	tagger := New(memstore.New(), logger.Nop())
	err := tagger.Handle(context.Background(), worker.Job{Type: worker.JobEnrichMaterial, MaterialID: "missing"})
	assert.NoError(t, err)
}

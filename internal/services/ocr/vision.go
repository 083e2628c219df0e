package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/Shimizu-Technology/study-pipeline-api/internal/clients/gcp"
)

// VisionEngine recognizes text with Google Cloud Vision DOCUMENT_TEXT_DETECTION.
// It is safe for concurrent use and shared across workers.
type VisionEngine struct {
	client  *vision.ImageAnnotatorClient
	timeout time.Duration
}

// NewVisionEngine dials Cloud Vision using credentials from the environment.
func NewVisionEngine(ctx context.Context) (*VisionEngine, error) {
	client, err := vision.NewImageAnnotatorClient(ctx, gcp.ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &VisionEngine{client: client, timeout: 60 * time.Second}, nil
}

func (v *VisionEngine) Close() error {
	return v.client.Close()
}

// Recognize returns the page text and the mean confidence of its blocks.
func (v *VisionEngine) Recognize(ctx context.Context, img []byte, _ string) (PageText, error) {
	if len(img) == 0 {
		return PageText{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: img},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
		}},
	}
	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return PageText{}, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return PageText{}, nil
	}

	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return PageText{}, fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}
	fta := r0.FullTextAnnotation
	if fta == nil || strings.TrimSpace(fta.Text) == "" {
		return PageText{}, nil
	}

	var blocks []*visionpb.Block
	for _, p := range fta.Pages {
		if p != nil {
			blocks = append(blocks, p.Blocks...)
		}
	}
	return PageText{Text: fta.Text, Confidence: avgBlockConfidence(blocks)}, nil
}

func avgBlockConfidence(blocks []*visionpb.Block) float64 {
	var sum float64
	n := 0
	for _, b := range blocks {
		if b == nil || b.Confidence <= 0 {
			continue
		}
		sum += float64(b.Confidence)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Package detector provides the segmentation backends behind the detection
// stage: a remote model server over HTTP and a local FoodSAM command.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tendant/simple-recipe-pipeline/internal/stages"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// HTTPSegmenter posts the raw image to a segmentation server.
type HTTPSegmenter struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSegmenter creates a segmenter for the server at url.
func NewHTTPSegmenter(url string) *HTTPSegmenter {
	return &HTTPSegmenter{
		url:        url,
		httpClient: &http.Client{},
	}
}

type segmentResponse struct {
	Predictions []struct {
		Name       string       `json:"name"`
		Confidence float64      `json:"confidence"`
		Polygon    [][2]float64 `json:"polygon,omitempty"`
		MaskRef    string       `json:"mask_ref,omitempty"`
	} `json:"predictions"`
	Error string `json:"error,omitempty"`
}

// Segment implements stages.Segmenter. The deadline comes from ctx.
func (s *HTTPSegmenter) Segment(ctx context.Context, image []byte) ([]stages.Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(image))
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call segmenter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("segmenter returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out segmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode segmenter response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("segmenter error: %s", out.Error)
	}

	preds := make([]stages.Prediction, 0, len(out.Predictions))
	for _, p := range out.Predictions {
		preds = append(preds, stages.Prediction{
			Name:       p.Name,
			Confidence: p.Confidence,
			Region:     pipeline.Region{Polygon: p.Polygon, MaskRef: p.MaskRef},
		})
	}
	return preds, nil
}

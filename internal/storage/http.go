package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPContentStore reads images and writes recipes via the simple-content HTTP API
type HTTPContentStore struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPContentStore creates a new HTTP-based content store
func NewHTTPContentStore(baseURL string) *HTTPContentStore {
	return &HTTPContentStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// ReadImage implements ImageSource.
func (hs *HTTPContentStore) ReadImage(ctx context.Context, contentID string) ([]byte, error) {
	if _, err := parseContentID(contentID); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/api/v1/contents/%s/download", hs.baseURL, contentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := hs.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return ReadImage(resp.Body)
}

// WriteRecipe implements RecipeWriter.
func (hs *HTTPContentStore) WriteRecipe(ctx context.Context, contentID string, payload []byte) error {
	if _, err := parseContentID(contentID); err != nil {
		return err
	}

	jsonData, err := json.Marshal(map[string]any{
		"parent_id":       contentID,
		"derivation_type": RecipeDerivationType,
		"variant":         RecipeVariant,
		"file_name":       RecipeFileName,
		"tags":            []string{RecipeDerivationType, RecipeVariant},
		"content_data":    string(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/contents/%s/derived", hs.baseURL, contentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hs.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to create derived content: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("create derived failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

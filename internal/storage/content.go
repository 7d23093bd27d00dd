package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tendant/simple-content/pkg/simplecontent"
)

// ContentStore reads images and writes recipes through an in-process
// simple-content service
type ContentStore struct {
	service  simplecontent.Service
	tenantID string
}

// NewContentStore creates a store on top of service. All uploads belong to tenantID.
func NewContentStore(service simplecontent.Service, tenantID string) *ContentStore {
	return &ContentStore{service: service, tenantID: tenantID}
}

// ReadImage implements ImageSource.
func (cs *ContentStore) ReadImage(ctx context.Context, contentID string) ([]byte, error) {
	id, err := parseContentID(contentID)
	if err != nil {
		return nil, err
	}

	reader, err := cs.service.DownloadContent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}
	defer reader.Close()

	return ReadImage(reader)
}

// UploadImage stores an image and returns its content ID.
func (cs *ContentStore) UploadImage(ctx context.Context, up Upload) (string, error) {
	data, err := ReadImage(bytes.NewReader(up.Data))
	if err != nil {
		return "", err
	}
	fileName := up.FileName
	if fileName == "" {
		fileName = "image" + extensionFor(data)
	}
	name := up.Name
	if name == "" {
		name = fileName
	}

	content, err := cs.service.UploadContent(ctx, simplecontent.UploadContentRequest{
		OwnerID:      OwnerID(up.UserID),
		TenantID:     OwnerID(cs.tenantID),
		Name:         name,
		DocumentType: mimeFor(data),
		Reader:       bytes.NewReader(data),
		FileName:     fileName,
		Tags:         []string{"image", "recipe-source"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload content: %w", err)
	}
	return content.ID.String(), nil
}

// HasRecipe reports whether a recipe was already derived from the content.
func (cs *ContentStore) HasRecipe(ctx context.Context, contentID string) (bool, error) {
	parentID, err := parseContentID(contentID)
	if err != nil {
		return false, err
	}

	derived, err := cs.service.ListDerivedContent(ctx,
		simplecontent.WithParentID(parentID),
		simplecontent.WithDerivationType(RecipeDerivationType),
	)
	if err != nil {
		return false, fmt.Errorf("failed to list derived content: %w", err)
	}
	for _, d := range derived {
		if d.DerivationType == RecipeDerivationType && d.Variant == RecipeVariant {
			return true, nil
		}
	}
	return false, nil
}

// WriteRecipe implements RecipeWriter.
func (cs *ContentStore) WriteRecipe(ctx context.Context, contentID string, payload []byte) error {
	parentID, err := parseContentID(contentID)
	if err != nil {
		return err
	}

	_, err = cs.service.UploadDerivedContent(ctx, simplecontent.UploadDerivedContentRequest{
		ParentID:       parentID,
		DerivationType: RecipeDerivationType,
		Variant:        RecipeVariant,
		Reader:         bytes.NewReader(payload),
		FileName:       RecipeFileName,
		Tags:           []string{RecipeDerivationType, RecipeVariant},
	})
	if err != nil {
		return fmt.Errorf("failed to upload derived content: %w", err)
	}
	return nil
}

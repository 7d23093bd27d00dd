package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/fingerprint"
)

// MaxImageBytes bounds every image read from storage or a request.
const MaxImageBytes = 20 << 20

// Recipe derivation written next to the source image.
const (
	RecipeDerivationType = "recipe"
	RecipeVariant        = "recipe_v1"
	RecipeFileName       = "recipe.json"
)

// ImageSource provides read access to stored images
type ImageSource interface {
	// ReadImage returns the bytes of the image with the given content ID
	ReadImage(ctx context.Context, contentID string) ([]byte, error)
}

// RecipeWriter stores a finished recipe as derived content of its image
type RecipeWriter interface {
	WriteRecipe(ctx context.Context, contentID string, payload []byte) error
}

// Upload describes an image to store.
type Upload struct {
	UserID   string
	Name     string
	FileName string
	Data     []byte
}

// ownerNamespace scopes the owner UUIDs derived from external user IDs.
var ownerNamespace = uuid.MustParse("6f0d9c0e-4c5b-4d8e-9a57-8d3f1d1f2b11")

// OwnerID maps an external user ID onto a stable owner UUID.
func OwnerID(userID string) uuid.UUID {
	if id, err := uuid.Parse(userID); err == nil {
		return id
	}
	return uuid.NewSHA1(ownerNamespace, []byte(userID))
}

// ReadImage reads at most MaxImageBytes from r and checks that they look like an
// image whose decoded size stays within fingerprint.DefaultMaxPixels.
func ReadImage(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return nil, errcode.New(errcode.InvalidRequest, "image exceeds %d bytes", MaxImageBytes)
	}
	if len(data) == 0 {
		return nil, errcode.New(errcode.InvalidRequest, "image is empty")
	}
	if mime := http.DetectContentType(data); !strings.HasPrefix(mime, "image/") {
		return nil, errcode.New(errcode.InvalidRequest, "content is %s, not an image", mime)
	}
	if err := fingerprint.CheckDimensions(data, fingerprint.DefaultMaxPixels); err != nil {
		return nil, err
	}
	return data, nil
}

func parseContentID(contentID string) (uuid.UUID, error) {
	id, err := uuid.Parse(contentID)
	if err != nil {
		return uuid.Nil, errcode.Wrap(errcode.InvalidRequest, err, "invalid content ID %q", contentID)
	}
	return id, nil
}

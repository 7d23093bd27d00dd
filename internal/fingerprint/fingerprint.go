// Package fingerprint derives cache identities from image content and preferences.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// CanonicalSize bounds the normalized image. Re-encodings of the same photo at
// different sizes or containers normalize to the same pixels.
const CanonicalSize = 512

// DefaultMaxPixels bounds the decoded raster of an image. Encoded size says
// little about it: a small, highly compressible PNG can describe gigapixels.
const DefaultMaxPixels = 40_000_000

// version is mixed into every key so a change in normalization invalidates old entries.
const version = "v1"

// Fingerprint is the identity of a request.
type Fingerprint struct {
	// Key covers image content and preferences; it addresses final results.
	Key string
	// ImageKey covers image content only; it addresses detection results.
	ImageKey string
}

// Compute decodes data, normalizes it and hashes it together with prefs.
// Undecodable input is an InvalidRequest.
func Compute(data []byte, prefs pipeline.Preferences) (Fingerprint, error) {
	return ComputeWithin(data, prefs, DefaultMaxPixels)
}

// ComputeWithin is Compute for images of at most maxPixels pixels. The header
// is checked before the raster is allocated. maxPixels <= 0 means DefaultMaxPixels.
func ComputeWithin(data []byte, prefs pipeline.Preferences, maxPixels int64) (Fingerprint, error) {
	if err := CheckDimensions(data, maxPixels); err != nil {
		return Fingerprint{}, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Fingerprint{}, errcode.Wrap(errcode.InvalidRequest, err, "image decode failed")
	}
	return FromImage(img, prefs)
}

// CheckDimensions reads only the image header and rejects images whose pixel
// count exceeds maxPixels as an InvalidRequest.
func CheckDimensions(data []byte, maxPixels int64) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return errcode.Wrap(errcode.InvalidRequest, err, "image header unreadable")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return errcode.New(errcode.InvalidRequest, "%s image has no pixels", format)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return errcode.New(errcode.InvalidRequest, "%s image is %dx%d, above the %d pixel limit",
			format, cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}

// FromImage hashes an already decoded image together with prefs.
func FromImage(img image.Image, prefs pipeline.Preferences) (Fingerprint, error) {
	imageKey := hashImage(img)

	canon, err := json.Marshal(prefs.Normalize())
	if err != nil {
		return Fingerprint{}, errcode.Wrap(errcode.Internal, err, "preferences encode failed")
	}
	h := sha256.New()
	h.Write([]byte(version))
	h.Write([]byte(imageKey))
	h.Write(canon)

	return Fingerprint{
		Key:      hex.EncodeToString(h.Sum(nil)),
		ImageKey: imageKey,
	}, nil
}

// Normalize returns the canonical form of img: fitted into CanonicalSize and
// converted to NRGBA.
func Normalize(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() > CanonicalSize || b.Dy() > CanonicalSize {
		return imaging.Fit(img, CanonicalSize, CanonicalSize, imaging.Lanczos)
	}
	return imaging.Clone(img)
}

func hashImage(img image.Image) string {
	n := Normalize(img)
	h := sha256.New()
	h.Write([]byte(version))
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:4], uint32(n.Rect.Dx()))
	binary.BigEndian.PutUint32(dims[4:8], uint32(n.Rect.Dy()))
	h.Write(dims[:])
	// Rows may be padded; hash only the visible pixels.
	rowLen := n.Rect.Dx() * 4
	for y := 0; y < n.Rect.Dy(); y++ {
		off := y * n.Stride
		h.Write(n.Pix[off : off+rowLen])
	}
	return hex.EncodeToString(h.Sum(nil))
}

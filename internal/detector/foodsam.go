package detector

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/internal/stages"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Placeholders substituted in the FoodSAM command line.
const (
	ImagePlaceholder  = "{image}"
	OutputPlaceholder = "{output}"
)

// labelFile is where FoodSAM writes the per-mask category summary, relative to
// <output>/<image stem>.
var labelFile = filepath.Join("sam_mask_label", "sam_mask_label.txt")

// backgroundCategory is FoodSAM's id for unlabelled pixels.
const backgroundCategory = 0

// FoodSAMSegmenter runs the FoodSAM panoptic script once per image and reads
// the category summary it leaves behind.
type FoodSAMSegmenter struct {
	command   []string
	workDir   string
	outputDir string
	keep      bool
}

// FoodSAMOption configures a FoodSAMSegmenter.
type FoodSAMOption func(*FoodSAMSegmenter)

// WithWorkDir runs the command from dir.
func WithWorkDir(dir string) FoodSAMOption {
	return func(s *FoodSAMSegmenter) { s.workDir = dir }
}

// WithKeepOutput leaves the per-run output directory on disk.
func WithKeepOutput() FoodSAMOption {
	return func(s *FoodSAMSegmenter) { s.keep = true }
}

// NewFoodSAMSegmenter creates a segmenter running command. The command must
// reference the {image} and {output} placeholders.
func NewFoodSAMSegmenter(command []string, outputDir string, opts ...FoodSAMOption) (*FoodSAMSegmenter, error) {
	if len(command) == 0 {
		return nil, errors.New("foodsam command is empty")
	}
	joined := strings.Join(command, " ")
	if !strings.Contains(joined, ImagePlaceholder) || !strings.Contains(joined, OutputPlaceholder) {
		return nil, fmt.Errorf("foodsam command must contain %s and %s", ImagePlaceholder, OutputPlaceholder)
	}
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	s := &FoodSAMSegmenter{command: command, outputDir: outputDir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Segment implements stages.Segmenter.
func (s *FoodSAMSegmenter) Segment(ctx context.Context, image []byte) ([]stages.Prediction, error) {
	logger := logutil.FromContext(ctx)

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	runDir, err := os.MkdirTemp(s.outputDir, "foodsam-")
	if err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}
	if !s.keep {
		defer os.RemoveAll(runDir)
	}

	imagePath := filepath.Join(runDir, "input"+extensionFor(image))
	if err := os.WriteFile(imagePath, image, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write image: %w", err)
	}

	args := s.expand(imagePath, runDir)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = s.workDir
	logger.V(logutil.DEBUG).Info("Running FoodSAM", "args", args)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("foodsam failed: %w: %s", err, tail(out, 512))
	}

	stem := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))
	f, err := os.Open(filepath.Join(runDir, stem, labelFile))
	if err != nil {
		return nil, fmt.Errorf("foodsam produced no label file: %w", err)
	}
	defer f.Close()
	return ParseLabels(f, logger)
}

func (s *FoodSAMSegmenter) expand(imagePath, outputDir string) []string {
	args := make([]string, len(s.command))
	for i, a := range s.command {
		a = strings.ReplaceAll(a, ImagePlaceholder, imagePath)
		args[i] = strings.ReplaceAll(a, OutputPlaceholder, outputDir)
	}
	return args
}

// ParseLabels reads a FoodSAM category summary: a CSV with a header naming at
// least category_id, category_name and category_count_ratio. Background rows
// are dropped; the pixel ratio becomes the confidence. An optional id column
// links each row to its mask image.
func ParseLabels(r io.Reader, logger logr.Logger) ([]stages.Prediction, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read label header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	idCol, okID := col["category_id"]
	nameCol, okName := col["category_name"]
	ratioCol, okRatio := col["category_count_ratio"]
	if !okID || !okName || !okRatio {
		return nil, fmt.Errorf("label file header %v lacks required columns", header)
	}
	width := max(idCol, nameCol, ratioCol) + 1
	maskCol, hasMask := col["id"]
	if hasMask {
		width = max(width, maskCol+1)
	}

	var preds []stages.Prediction
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read label line %d: %w", line, err)
		}
		if len(rec) < width {
			return nil, fmt.Errorf("label line %d has %d fields, want %d", line, len(rec), width)
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[idCol]))
		if err != nil {
			return nil, fmt.Errorf("label line %d: bad category_id %q", line, rec[idCol])
		}
		if id == backgroundCategory {
			continue
		}
		ratio, err := strconv.ParseFloat(strings.TrimSpace(rec[ratioCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("label line %d: bad category_count_ratio %q", line, rec[ratioCol])
		}
		p := stages.Prediction{Name: rec[nameCol], Confidence: ratio}
		if hasMask {
			p.Region = pipeline.Region{MaskRef: "sam_mask/" + strings.TrimSpace(rec[maskCol]) + ".png"}
		}
		preds = append(preds, p)
	}
	logger.V(logutil.DEBUG).Info("Parsed FoodSAM labels", "predictions", len(preds))
	return preds, nil
}

func extensionFor(image []byte) string {
	switch http.DetectContentType(image) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

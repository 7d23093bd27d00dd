package detector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/internal/stages"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n0000")

func TestHTTPSegmenter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, pngMagic, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"predictions":[
			{"name":"Tomato","confidence":0.91,"polygon":[[1,2],[3,4],[5,6]]},
			{"name":"egg","confidence":0.4,"mask_ref":"m/1.png"}]}`)
	}))
	defer srv.Close()

	preds, err := NewHTTPSegmenter(srv.URL).Segment(context.Background(), pngMagic)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "Tomato", preds[0].Name)
	assert.Equal(t, 0.91, preds[0].Confidence)
	assert.Len(t, preds[0].Region.Polygon, 3)
	assert.Equal(t, "m/1.png", preds[1].Region.MaskRef)

	// Floor and normalisation happen in the detection stage.
	set, err := stages.NewDetector(NewHTTPSegmenter(srv.URL), 0.5).Detect(context.Background(), pngMagic)
	require.NoError(t, err)
	assert.Equal(t, []string{"tomato"}, set.Names())
}

func TestHTTPSegmenterErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		}},
		{"malformed", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"predictions":`)
		}},
		{"model error", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"error":"cuda out of memory"}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPSegmenter(srv.URL).Segment(context.Background(), pngMagic)
			require.Error(t, err)

			_, err = stages.NewDetector(NewHTTPSegmenter(srv.URL), 0.5).Detect(context.Background(), pngMagic)
			assert.Equal(t, errcode.DetectionFailure, errcode.CanonicalCode(err))
		})
	}
}

func TestHTTPSegmenterHonoursDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewHTTPSegmenter(srv.URL).Segment(ctx, pngMagic)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

const labels = `id,category_id,category_name,category_count_ratio
0,0,background,0.35
1,66,tomato,0.62
2,24,egg,0.21
`

func TestParseLabels(t *testing.T) {
	t.Parallel()

	preds, err := ParseLabels(strings.NewReader(labels), logutil.NewTestLogger())
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, stages.Prediction{Name: "tomato", Confidence: 0.62}, stripRegion(preds[0]))
	assert.Equal(t, "sam_mask/1.png", preds[0].Region.MaskRef)
	assert.Equal(t, "egg", preds[1].Name)
}

func TestParseLabelsWithoutMaskColumn(t *testing.T) {
	t.Parallel()

	preds, err := ParseLabels(strings.NewReader("category_id,category_name,category_count_ratio\n5,rice,0.9\n"), logutil.NewTestLogger())
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Empty(t, preds[0].Region.MaskRef)
}

func TestParseLabelsRejectsMalformed(t *testing.T) {
	t.Parallel()

	for name, input := range map[string]string{
		"empty":          "",
		"missing column": "category_id,category_name\n1,egg\n",
		"bad ratio":      "category_id,category_name,category_count_ratio\n1,egg,lots\n",
		"bad id":         "category_id,category_name,category_count_ratio\nx,egg,0.5\n",
		"short row":      "category_id,category_name,category_count_ratio\n1,egg\n",
	} {
		_, err := ParseLabels(strings.NewReader(input), logutil.NewTestLogger())
		assert.Error(t, err, name)
	}
}

func stripRegion(p stages.Prediction) stages.Prediction {
	p.Region.MaskRef = ""
	return p
}

func TestNewFoodSAMSegmenterValidatesCommand(t *testing.T) {
	t.Parallel()

	_, err := NewFoodSAMSegmenter(nil, t.TempDir())
	assert.Error(t, err)
	_, err = NewFoodSAMSegmenter([]string{"python", "panoptic.py", "--img_path", "{image}"}, t.TempDir())
	assert.Error(t, err)
}

func TestFoodSAMSegmenterRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Parallel()

	// Stand-in for panoptic.py: writes the label file where FoodSAM would.
	script := `mkdir -p "$2/input/sam_mask_label" && printf '` + strings.ReplaceAll(labels, "\n", `\n`) + `' > "$2/input/sam_mask_label/sam_mask_label.txt"`
	seg, err := NewFoodSAMSegmenter([]string{"sh", "-c", script, "foodsam", "{image}", "{output}"}, t.TempDir())
	require.NoError(t, err)

	preds, err := seg.Segment(logutil.NewTestLoggerIntoContext(context.Background()), pngMagic)
	require.NoError(t, err)
	require.Len(t, preds, 2)
	assert.Equal(t, "tomato", preds[0].Name)
}

func TestFoodSAMSegmenterCommandFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Parallel()

	seg, err := NewFoodSAMSegmenter([]string{"sh", "-c", "echo boom >&2; exit 3", "foodsam", "{image}", "{output}"}, t.TempDir())
	require.NoError(t, err)

	_, err = seg.Segment(context.Background(), pngMagic)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

package workflows

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/orchestrator"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

type fakeProcessor struct {
	got      []orchestrator.Request
	statuses map[string]pipeline.StatusResponse
}

func (p *fakeProcessor) Process(_ context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	p.got = append(p.got, req)
	return &orchestrator.Result{
		RequestID:   req.ID,
		Fingerprint: "fp",
		State:       pipeline.StateCompleted,
		States:      []pipeline.State{pipeline.StateReceived, pipeline.StateCacheCheck, pipeline.StateCompleted},
		Payload:     []byte(`{"fingerprint":"fp"}`),
		CacheHit:    true,
	}, nil
}

func (p *fakeProcessor) Status(id string) (pipeline.StatusResponse, bool) {
	s, ok := p.statuses[id]
	return s, ok
}

type mapImages map[string][]byte

func (m mapImages) ReadImage(_ context.Context, id string) ([]byte, error) {
	if data, ok := m[id]; ok {
		return data, nil
	}
	return nil, errors.New("content not found")
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))))
	return buf.Bytes()
}

func TestRunInlineImage(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{}
	runner := NewWorkflowRunner(NewRecipeWorkflow(proc, nil), nil)
	img := pngBytes(t)

	for _, encoded := range []string{
		base64.StdEncoding.EncodeToString(img),
		"data:image/png;base64," + base64.StdEncoding.EncodeToString(img),
		base64.RawStdEncoding.EncodeToString(img),
	} {
		resp, err := runner.Run(context.Background(), pipeline.RecipeRequest{UserID: "u", ImageB64: encoded})
		require.NoError(t, err)
		assert.Equal(t, pipeline.StateCompleted, resp.State)
		assert.True(t, resp.CacheHit)
		assert.JSONEq(t, `{"fingerprint":"fp"}`, string(resp.Result))
		assert.NotEmpty(t, resp.RequestID)
	}
	require.Len(t, proc.got, 3)
	assert.Equal(t, img, proc.got[0].Image)
	assert.Equal(t, "u", proc.got[0].UserID)
}

func TestRunStoredImage(t *testing.T) {
	t.Parallel()

	img := pngBytes(t)
	proc := &fakeProcessor{}
	runner := NewWorkflowRunner(NewRecipeWorkflow(proc, mapImages{"c-1": img}), nil)

	_, err := runner.Run(context.Background(), pipeline.RecipeRequest{RequestID: "r-1", ContentID: "c-1"})
	require.NoError(t, err)
	require.Len(t, proc.got, 1)
	assert.Equal(t, "c-1", proc.got[0].ContentID)
	assert.Equal(t, "r-1", proc.got[0].ID)

	resp, err := runner.Run(context.Background(), pipeline.RecipeRequest{ContentID: "missing"})
	assert.Equal(t, errcode.InvalidRequest, errcode.CanonicalCode(err))
	assert.Equal(t, pipeline.ReasonInvalidRequest, resp.Failure.Reason)
}

func TestRunRejectsBadRequests(t *testing.T) {
	t.Parallel()

	runner := NewWorkflowRunner(NewRecipeWorkflow(&fakeProcessor{}, nil), nil)
	tests := map[string]pipeline.RecipeRequest{
		"empty":          {},
		"both":           {ContentID: "c", ImageB64: "aGk="},
		"bad base64":     {ImageB64: "!!!"},
		"not an image":   {ImageB64: base64.StdEncoding.EncodeToString([]byte("hello"))},
		"no image store": {ContentID: "c-1"},
	}
	for name, req := range tests {
		resp, err := runner.Run(context.Background(), req)
		require.Error(t, err, name)
		assert.Equal(t, pipeline.StateFailed, resp.State, name)
		assert.NotNil(t, resp.Failure, name)
	}
}

func TestRunAsyncWithoutDBOS(t *testing.T) {
	t.Parallel()

	runner := NewWorkflowRunner(NewRecipeWorkflow(&fakeProcessor{}, nil), nil)
	assert.False(t, runner.Async())
	_, err := runner.RunAsync(context.Background(), pipeline.RecipeRequest{ContentID: "c"})
	assert.ErrorIs(t, err, ErrAsyncUnavailable)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	proc := &fakeProcessor{statuses: map[string]pipeline.StatusResponse{
		"r-1": {RequestID: "r-1", State: pipeline.StateSearching},
	}}
	runner := NewWorkflowRunner(NewRecipeWorkflow(proc, nil), nil)

	st, err := runner.GetStatus(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "Searching", st.State)
	require.NotNil(t, st.Pipeline)

	_, err = runner.GetStatus(context.Background(), "r-2")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestResponseFromNil(t *testing.T) {
	t.Parallel()

	assert.Equal(t, pipeline.StateFailed, Response(nil).State)
}

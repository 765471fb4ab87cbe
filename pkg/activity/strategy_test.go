package activity

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
	"github.com/vigil-dev/vigil/pkg/wire"
)

// fakeRequester scripts responses per action.
type fakeRequester struct {
	responses map[string]any
	errs      map[string]error
	calls     []string
}

func (f *fakeRequester) Request(ctx context.Context, action string, payload *string) (*string, error) {
	return f.RequestTimeout(ctx, action, payload, time.Second)
}

func (f *fakeRequester) RequestTimeout(ctx context.Context, action string, payload *string, timeout time.Duration) (*string, error) {
	f.calls = append(f.calls, action)
	if err, ok := f.errs[action]; ok {
		return nil, err
	}
	resp, ok := f.responses[action]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return wire.StringPayload(string(data)), nil
}

func TestSelectStrategyKindIsPure(t *testing.T) {
	observed := ContextIdentity{ProcessName: "browser", URL: "https://a", ObserverID: "obs-1"}
	bare := ContextIdentity{ProcessName: "terminal"}

	for i := 0; i < 3; i++ {
		assert.Equal(t, StrategyBridge, SelectStrategyKind(observed))
		assert.Equal(t, StrategyDefault, SelectStrategyKind(bare))
	}
}

func TestSelectStrategyFallsBackWithoutRequester(t *testing.T) {
	observed := ContextIdentity{ProcessName: "browser", ObserverID: "obs-1"}
	s := SelectStrategy(observed, nil, nil)
	assert.Equal(t, StrategyDefault, s.Name())
}

func TestBridgeStrategyCollect(t *testing.T) {
	req := &fakeRequester{responses: map[string]any{
		wire.ActionCollect: CollectResult{
			Assets: []Asset{{Kind: KindArticle, Article: &ArticleAsset{ID: "a1", Title: "On Glass"}}},
			Snapshots: []Snapshot{
				{Kind: KindArticle, Article: &ArticleSnapshot{ScrollProgress: 0.5}},
			},
		},
	}}
	s := NewBridgeStrategy(ContextIdentity{ProcessName: "browser", ObserverID: "obs-1"}, req, nil)

	result, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, result.NoChange)
	require.Len(t, result.Assets, 1)
	assert.Equal(t, "On Glass", result.Assets[0].Article.Title)
	require.Len(t, result.Snapshots, 1)
}

func TestBridgeStrategyCollectNoChange(t *testing.T) {
	req := &fakeRequester{responses: map[string]any{
		wire.ActionCollect: CollectResult{NoChange: true},
	}}
	s := NewBridgeStrategy(ContextIdentity{ObserverID: "obs-1"}, req, nil)

	result, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, result.NoChange)
	assert.Empty(t, result.Assets)
}

func TestBridgeStrategyMetadata(t *testing.T) {
	req := &fakeRequester{responses: map[string]any{
		wire.ActionGetMetadata: Metadata{Name: "How Lenses Work", Kind: KindVideo, URL: "https://v"},
	}}
	s := NewBridgeStrategy(ContextIdentity{ObserverID: "obs-1"}, req, nil)

	md, err := s.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindVideo, md.Kind)
	assert.Equal(t, "How Lenses Work", md.Name)
}

func TestBridgeStrategySurfacesTransportErrors(t *testing.T) {
	req := &fakeRequester{errs: map[string]error{
		wire.ActionGenerateAssets: vigilerrors.New(vigilerrors.ErrCodeProcessStopped, "observer gone"),
	}}
	s := NewBridgeStrategy(ContextIdentity{ObserverID: "obs-1"}, req, nil)

	_, err := s.RetrieveAssets(context.Background())
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeProcessStopped))
}

func TestBridgeStrategyMalformedPayload(t *testing.T) {
	req := &fakeRequester{responses: map[string]any{
		wire.ActionGenerateAssets: "not an asset list",
	}}
	s := NewBridgeStrategy(ContextIdentity{ObserverID: "obs-1"}, req, nil)

	_, err := s.RetrieveAssets(context.Background())
	require.Error(t, err)
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeStrategyExtraction))
}

func TestDefaultStrategyIsEmpty(t *testing.T) {
	s := NewDefaultStrategy(ContextIdentity{ProcessName: "terminal"})

	md, err := s.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "terminal", md.Name)
	assert.Equal(t, KindDefault, md.Kind)

	assets, err := s.RetrieveAssets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, assets)

	result, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, result.NoChange)
}

func TestBridgeStrategyPlay(t *testing.T) {
	req := &fakeRequester{}
	s := NewBridgeStrategy(ContextIdentity{ObserverID: "obs-1"}, req, nil)

	require.NoError(t, s.Play(context.Background(), 42))
	require.Len(t, req.calls, 1)
	assert.Equal(t, wire.ActionPlay, req.calls[0])
}

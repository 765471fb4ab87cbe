package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-dev/vigil/pkg/activity"
	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
)

func articleFactory() (Handler, error) { return NewArticleHandler(), nil }
func videoFactory() (Handler, error)   { return NewVideoHandler(), nil }
func threadFactory() (Handler, error)  { return NewThreadHandler(), nil }

func TestRegistryExactBeatsWildcard(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("*.example.com", activity.KindArticle, articleFactory))
	require.NoError(t, r.Register("video.example.com", activity.KindVideo, videoFactory))

	h, err := r.Resolve("video.example.com")
	require.NoError(t, err)
	assert.Equal(t, activity.KindVideo, h.Kind())

	h, err = r.Resolve("news.example.com")
	require.NoError(t, err)
	assert.Equal(t, activity.KindArticle, h.Kind())
}

func TestRegistryWildcardWalksSuffixes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("*.example.com", activity.KindArticle, articleFactory))
	require.NoError(t, r.Register("*.forum.example.com", activity.KindThread, threadFactory))

	h, err := r.Resolve("a.b.forum.example.com")
	require.NoError(t, err)
	assert.Equal(t, activity.KindThread, h.Kind(), "most specific wildcard must win")

	h, err = r.Resolve("deep.sub.example.com")
	require.NoError(t, err)
	assert.Equal(t, activity.KindArticle, h.Kind())
}

func TestRegistryUnmatchedGetsDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("*.example.com", activity.KindArticle, articleFactory))

	h, err := r.Resolve("other.net")
	require.NoError(t, err)
	assert.Equal(t, activity.KindDefault, h.Kind())
}

func TestRegistryFactoryFailureFallsBack(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("broken.example.com", activity.KindArticle, func() (Handler, error) {
		return nil, vigilerrors.New(vigilerrors.ErrCodeInternal, "load failed")
	}))

	h, err := r.Resolve("broken.example.com")
	require.Error(t, err, "the load failure must surface")
	assert.True(t, vigilerrors.IsCode(err, vigilerrors.ErrCodeStrategyExtraction))
	require.NotNil(t, h, "a usable handler must come back anyway")
	assert.Equal(t, activity.KindDefault, h.Kind())
}

func TestRegistryRejectsBadPatterns(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", activity.KindArticle, articleFactory))
	assert.Error(t, r.Register("*.", activity.KindArticle, articleFactory))
}

func TestRegistryCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("News.Example.COM", activity.KindArticle, articleFactory))

	h, err := r.Resolve("news.example.com")
	require.NoError(t, err)
	assert.Equal(t, activity.KindArticle, h.Kind())
}

func TestRegistryKinds(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a.example.com", activity.KindArticle, articleFactory))
	require.NoError(t, r.Register("b.example.com", activity.KindArticle, articleFactory))
	require.NoError(t, r.Register("*.video.net", activity.KindVideo, videoFactory))

	kinds := r.Kinds()
	assert.ElementsMatch(t, []string{"article", "video"}, kinds)
}

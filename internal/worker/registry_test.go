package worker

import (
	"context"
	"testing"

	"github.com/okatz/hopper/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, t *task.Task) (*task.Result, error) {
	return nil, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("rss_scrape", noopHandler))

	h, err := r.Handler("rss_scrape")
	require.NoError(t, err)
	assert.NotNil(t, h)
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("rss_scrape", noopHandler))
	err := r.Register("rss_scrape", noopHandler)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_RegisterInvalid(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register("", noopHandler))
	assert.Error(t, r.Register("rss_scrape", nil))
}

func TestRegistry_UnknownTypeListsRegistered(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("rss_scrape", noopHandler))
	require.NoError(t, r.Register("content_classify", noopHandler))

	_, err := r.Handler("amazon_scrape")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "amazon_scrape")
	assert.Contains(t, err.Error(), "rss_scrape")
	assert.Contains(t, err.Error(), "content_classify")
}

func TestRegistry_TypesSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("youtube_scrape", noopHandler))
	require.NoError(t, r.Register("amazon_scrape", noopHandler))
	require.NoError(t, r.Register("rss_scrape", noopHandler))

	assert.Equal(t, []string{"amazon_scrape", "rss_scrape", "youtube_scrape"}, r.Types())
}

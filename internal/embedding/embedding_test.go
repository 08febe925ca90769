package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/cuidado/internal/upstream"
)

type countingEmbedder struct {
	calls [][]string
	err   error
	short bool // drop the last vector
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.calls = append(c.calls, append([]string(nil), texts...))
	if c.err != nil {
		return nil, c.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	if c.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "nomic-embed-text", req.Model)
		assert.Equal(t, []string{"a", "b"}, req.Input)
		io.WriteString(w, `{"model":"nomic-embed-text","embeddings":[[0.1,0.2],[0.3,0.4]]}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Host = srv.URL
	e, err := NewOllamaEmbedder(cfg, nil)
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.InDelta(t, 0.3, vecs[1][0], 1e-6)
}

func TestOllamaEmbedderCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"model":"m","embeddings":[[0.1]]}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Host = srv.URL
	e, err := NewOllamaEmbedder(cfg, nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrMalformed)
}

func TestOllamaEmbedderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.Host = url
	e, err := NewOllamaEmbedder(cfg, nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	var ue *upstream.Error
	assert.ErrorAs(t, err, &ue)
}

func TestCachedEmbedderServesHits(t *testing.T) {
	inner := &countingEmbedder{}
	c, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	first, err := c.Embed(context.Background(), []string{"alpha", "be"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{5}, {2}}, first)

	second, err := c.Embed(context.Background(), []string{"be", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2}, {5}, {5}}, second)

	require.Len(t, inner.calls, 2)
	assert.Equal(t, []string{"gamma"}, inner.calls[1])
	assert.Equal(t, 3, c.Len())
}

func TestCachedEmbedderPropagatesErrors(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("offline")}
	c, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCachedEmbedderRejectsShortBatch(t *testing.T) {
	inner := &countingEmbedder{short: true}
	c, err := NewCachedEmbedder(inner, 8)
	require.NoError(t, err)

	out, err := c.Embed(context.Background(), []string{"alpha", "be"})
	require.Error(t, err)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, upstream.ErrMalformed)
	assert.Equal(t, 0, c.Len(), "a bad batch must not populate the cache")
}

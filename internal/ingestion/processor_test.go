package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-agent/backend/internal/provider"
	"github.com/civic-agent/backend/internal/vector/zilliz"
)

type fakeWriter struct {
	chunks []zilliz.Chunk
	err    error
}

func (f *fakeWriter) Insert(_ context.Context, chunks []zilliz.Chunk) error {
	f.chunks = append(f.chunks, chunks...)
	return f.err
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

const financeBill = `<html><head><title>Finance Bill 2024</title><script>var x = 1;</script></head>
<body><nav>Home | About</nav><h1>Finance Bill</h1><p>A housing levy of 1.5% applies to gross salary.</p>
<footer>Copyright</footer></body></html>`

func TestProcessDocument(t *testing.T) {
	writer := &fakeWriter{}
	embedder := &fakeEmbedder{}
	p := NewProcessor(writer, embedder)

	res, err := p.ProcessDocument(context.Background(), Document{
		URL:       "https://parliament.go.ke/finance-bill-2024",
		HTML:      financeBill,
		Namespace: provider.NamespaceLegal,
	})
	require.NoError(t, err)

	assert.Equal(t, "Finance Bill 2024", res.Title)
	assert.Equal(t, "finance", res.Category)
	assert.Equal(t, 1, res.Chunks)
	require.Len(t, writer.chunks, 1)

	chunk := writer.chunks[0]
	assert.Equal(t, res.DocID+"_0", chunk.ID)
	assert.Equal(t, provider.NamespaceLegal, chunk.Namespace)
	assert.Contains(t, chunk.Text, "housing levy of 1.5%")
	assert.NotContains(t, chunk.Text, "var x")
	assert.NotContains(t, chunk.Text, "Copyright")
	assert.False(t, chunk.Published.IsZero())
	assert.Equal(t, 1, embedder.calls)
}

func TestProcessDocumentErrors(t *testing.T) {
	ctx := context.Background()

	p := NewProcessor(&fakeWriter{}, &fakeEmbedder{})
	_, err := p.ProcessDocument(ctx, Document{URL: "u", HTML: financeBill, Namespace: provider.NamespaceWeb})
	assert.ErrorIs(t, err, ErrInvalidNamespace)

	_, err = p.ProcessDocument(ctx, Document{URL: "u", HTML: "<html><body><script>x</script></body></html>", Namespace: provider.NamespaceNews})
	assert.ErrorIs(t, err, ErrEmptyDocument)

	writer := &fakeWriter{}
	p = NewProcessor(writer, &fakeEmbedder{err: errors.New("rate limited")})
	_, err = p.ProcessDocument(ctx, Document{URL: "u", HTML: financeBill, Namespace: provider.NamespaceNews})
	assert.Error(t, err)
	assert.Empty(t, writer.chunks)

	p = NewProcessor(&fakeWriter{err: errors.New("milvus down")}, &fakeEmbedder{})
	_, err = p.ProcessDocument(ctx, Document{URL: "u", HTML: financeBill, Namespace: provider.NamespaceNews})
	assert.ErrorContains(t, err, "milvus down")
}

func TestChunkTextOverlaps(t *testing.T) {
	p := &Processor{chunkSize: 50, chunkOverlap: 20}
	text := strings.Repeat("levy ", 30)

	chunks := p.chunkText(text)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 50)
	}
	assert.True(t, strings.HasPrefix(chunks[1], "levy levy"))

	assert.Nil(t, p.chunkText("   "))
}

func TestExtractCategory(t *testing.T) {
	assert.Equal(t, "health", extractCategory("https://example.org/shif-rollout"))
	assert.Equal(t, "governance", extractCategory("County assembly hearings"))
	assert.Equal(t, "general", extractCategory("weather"))
}

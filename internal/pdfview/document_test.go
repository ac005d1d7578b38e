package pdfview

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDocument(t *testing.T) {
	doc, err := ParseDocument(buildPDF("Title", "Author", "one", "two"))
	require.NoError(t, err)

	assert.Equal(t, 2, doc.NumPages())
	assert.Equal(t, PageSize{Width: 612, Height: 792}, doc.PageSize(1), "inherited from the page tree")
	assert.Equal(t, "Title", doc.Title())
	assert.Equal(t, "Author", doc.Author())
	assert.Len(t, doc.Checksum(), 64)
}

func TestParseDocument_Garbage(t *testing.T) {
	_, err := ParseDocument([]byte("%PDF-1.4 truncated"))
	assert.Error(t, err)
}

func TestExtractText_KeepsPageOrder(t *testing.T) {
	pages := []string{"alpha page", "bravo page", "charlie page", "delta page", "echo page", "foxtrot page"}
	doc, err := ParseDocument(buildPDF("", "", pages...))
	require.NoError(t, err)

	texts, err := doc.ExtractText(context.Background())
	require.NoError(t, err)

	require.Len(t, texts, len(pages))
	for i, want := range pages {
		assert.Contains(t, strings.TrimSpace(texts[i]), want, "page %d", i+1)
	}
}

func TestExtractText_CancelledContext(t *testing.T) {
	doc, err := ParseDocument(buildPDF("", "", "one", "two"))
	require.NoError(t, err)

	c, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = doc.ExtractText(c)
	assert.ErrorIs(t, err, context.Canceled)
}

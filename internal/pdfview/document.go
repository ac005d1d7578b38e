package pdfview

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"
)

// Letter size in points, used when a page declares no MediaBox.
const (
	defaultPageWidth  = 612
	defaultPageHeight = 792
)

var ErrNoPages = errors.New("document has no pages")

// PageSize is a page's MediaBox in points.
type PageSize struct {
	Width, Height float64
}

// Document is a parsed PDF held in memory.
type Document struct {
	data     []byte
	checksum string
	title    string
	author   string
	pages    []PageSize

	// pdf.Reader is not safe for concurrent use; page extraction takes one
	// reader per goroutine from the pool.
	readers sync.Pool
}

// ParseDocument parses data and records page count, geometry and metadata.
func ParseDocument(data []byte) (*Document, error) {
	r, err := newReader(data)
	if err != nil {
		return nil, err
	}
	n := r.NumPage()
	if n == 0 {
		return nil, ErrNoPages
	}

	sum := sha256.Sum256(data)
	d := &Document{
		data:     data,
		checksum: hex.EncodeToString(sum[:]),
		pages:    make([]PageSize, n),
	}
	for i := range n {
		d.pages[i] = pageSize(r.Page(i + 1))
	}
	info := r.Trailer().Key("Info")
	if !info.IsNull() {
		d.title = info.Key("Title").Text()
		d.author = info.Key("Author").Text()
	}
	d.readers.Put(r)
	return d, nil
}

func newReader(data []byte) (*pdf.Reader, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing pdf: %w", err)
	}
	return r, nil
}

func pageSize(p pdf.Page) PageSize {
	// MediaBox may be inherited from an ancestor page tree node.
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		box := v.Key("MediaBox")
		if box.Len() == 4 {
			return PageSize{
				Width:  box.Index(2).Float64() - box.Index(0).Float64(),
				Height: box.Index(3).Float64() - box.Index(1).Float64(),
			}
		}
	}
	return PageSize{Width: defaultPageWidth, Height: defaultPageHeight}
}

func (d *Document) NumPages() int { return len(d.pages) }

// PageSize returns the size of page n (1-based).
func (d *Document) PageSize(n int) PageSize { return d.pages[n-1] }

// Checksum is the hex sha256 of the document bytes.
func (d *Document) Checksum() string { return d.checksum }

func (d *Document) Title() string  { return d.title }
func (d *Document) Author() string { return d.author }

func (d *Document) reader() (*pdf.Reader, error) {
	if r, ok := d.readers.Get().(*pdf.Reader); ok {
		return r, nil
	}
	return newReader(d.data)
}

// ExtractText returns the plain text of every page, indexed by page. Pages
// are extracted concurrently; a page that fails to extract yields "".
func (d *Document) ExtractText(ctx context.Context) ([]string, error) {
	texts := make([]string, len(d.pages))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range d.pages {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := d.reader()
			if err != nil {
				return err
			}
			defer d.readers.Put(r)

			p := r.Page(i + 1)
			if p.V.IsNull() {
				return nil
			}
			text, err := p.GetPlainText(nil)
			if err != nil {
				slog.Warn("page text extraction failed", "page", i+1, "error", err)
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("extracting page text: %w", err)
	}
	return texts, nil
}

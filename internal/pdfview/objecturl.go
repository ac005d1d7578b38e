package pdfview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/model"
)

// ObjectURLs serves in-memory blobs on a loopback address so external
// programs (a browser, a print dialog) can open them. Each registered blob
// gets an unguessable URL that stops resolving once revoked.
type ObjectURLs struct {
	logger *slog.Logger

	mu    sync.Mutex
	blobs map[uuid.UUID]model.Blob
	srv   *http.Server
	base  string
}

func NewObjectURLs() *ObjectURLs {
	return &ObjectURLs{
		logger: slog.Default(),
		blobs:  make(map[uuid.UUID]model.Blob),
	}
}

// Handler returns the router serving GET /blob/{token}.
func (o *ObjectURLs) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/blob/{token}", o.handleBlob)
	return r
}

func (o *ObjectURLs) handleBlob(w http.ResponseWriter, r *http.Request) {
	token, err := uuid.Parse(chi.URLParam(r, "token"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	o.mu.Lock()
	b, ok := o.blobs[token]
	o.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	if b.ContentType != "" {
		w.Header().Set("Content-Type", b.ContentType)
	}
	if b.Name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": b.Name}))
	}
	var modified time.Time
	if b.LastModified != nil {
		modified = *b.LastModified
	}
	http.ServeContent(w, r, b.Name, modified, bytes.NewReader(b.Data))
}

// Start listens on addr ("127.0.0.1:0" picks a free port). Register starts
// the server on demand, so calling Start is only needed to choose the
// address.
func (o *ObjectURLs) Start(addr string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked(addr)
}

func (o *ObjectURLs) startLocked(addr string) error {
	if o.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for object urls: %w", err)
	}
	o.srv = &http.Server{Handler: o.Handler(), ReadHeaderTimeout: 10 * time.Second}
	o.base = "http://" + ln.Addr().String()
	srv := o.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			o.logger.Error("object url server stopped", "error", err)
		}
	}()
	o.logger.Debug("object url server listening", "addr", o.base)
	return nil
}

// Register makes b reachable and returns its URL.
func (o *ObjectURLs) Register(b model.Blob) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.startLocked("127.0.0.1:0"); err != nil {
		return "", err
	}
	token := uuid.New()
	o.blobs[token] = b
	return o.base + "/blob/" + token.String(), nil
}

// Revoke forgets the blob behind url. Unknown URLs are ignored.
func (o *ObjectURLs) Revoke(url string) {
	i := strings.LastIndex(url, "/blob/")
	if i < 0 {
		return
	}
	token, err := uuid.Parse(url[i+len("/blob/"):])
	if err != nil {
		return
	}
	o.mu.Lock()
	delete(o.blobs, token)
	o.mu.Unlock()
}

// Len reports how many blobs are registered.
func (o *ObjectURLs) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.blobs)
}

// Close revokes everything and shuts the server down.
func (o *ObjectURLs) Close(ctx context.Context) error {
	o.mu.Lock()
	srv := o.srv
	o.srv = nil
	o.blobs = make(map[uuid.UUID]model.Blob)
	o.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

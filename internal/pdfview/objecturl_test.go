package pdfview

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/docchat/internal/model"
)

func TestObjectURLs_HandlerServesUntilRevoked(t *testing.T) {
	o := NewObjectURLs()
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	modified := time.Date(2025, 2, 3, 4, 5, 6, 0, time.UTC)
	u, err := o.Register(model.Blob{Data: []byte("%PDF-data"), ContentType: "application/pdf", Name: "a.pdf", LastModified: &modified})
	require.NoError(t, err)
	defer o.Close(context.Background())

	path := u[len(o.base):]
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-data", string(body))
	assert.Equal(t, "application/pdf", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), `filename=a.pdf`)
	assert.Equal(t, modified.Format(http.TimeFormat), resp.Header.Get("Last-Modified"))

	o.Revoke(u)
	assert.Zero(t, o.Len())

	resp, err = http.Get(srv.URL + path)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObjectURLs_RegisterStartsLoopbackServer(t *testing.T) {
	o := NewObjectURLs()
	defer o.Close(context.Background())

	u, err := o.Register(model.Blob{Data: []byte("x")})
	require.NoError(t, err)
	assert.Regexp(t, `^http://127\.0\.0\.1:\d+/blob/[0-9a-f-]{36}$`, u)

	resp, err := http.Get(u)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "x", string(body))
}

func TestObjectURLs_UnknownToken(t *testing.T) {
	o := NewObjectURLs()
	srv := httptest.NewServer(o.Handler())
	defer srv.Close()

	for _, path := range []string{"/blob/not-a-uuid", "/blob/6f1c8e36-2b1d-4a8e-9a43-0b9f4b6f3f10"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	o.Revoke("http://127.0.0.1/elsewhere")
}

package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/model"
)

const maxBlobSize = 200 << 20 // 200MB

// FetchAllKnowledge lists every knowledge item visible to the user.
func (c *Client) FetchAllKnowledge(ctx context.Context) ([]model.Knowledge, error) {
	resp, err := c.get(ctx, "/knowledge")
	if err != nil {
		return nil, err
	}
	var items []model.Knowledge
	if err := decodeJSON(resp, &items); err != nil {
		return nil, fmt.Errorf("fetching knowledge: %w", err)
	}
	return items, nil
}

// FetchKnowledgeByID returns one knowledge item, or nil when it does not
// exist.
func (c *Client) FetchKnowledgeByID(ctx context.Context, id uuid.UUID) (*model.Knowledge, error) {
	resp, err := c.get(ctx, "/knowledge/"+id.String())
	if err != nil {
		return nil, err
	}
	var k model.Knowledge
	if err := decodeJSON(resp, &k); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching knowledge %s: %w", id, err)
	}
	return &k, nil
}

// FetchFileBlob downloads the raw bytes of a file knowledge item.
func (c *Client) FetchFileBlob(ctx context.Context, id uuid.UUID) (model.Blob, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/knowledge/"+id.String()+"/file", nil)
	if err != nil {
		return model.Blob{}, err
	}
	resp, err := c.send(req)
	if err != nil {
		return model.Blob{}, err
	}
	if err := checkStatus(resp); err != nil {
		return model.Blob{}, fmt.Errorf("fetching file %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return model.Blob{}, fmt.Errorf("reading file %s: %w", id, err)
	}
	if len(data) == 0 {
		return model.Blob{}, fmt.Errorf("fetching file %s: %w", id, ErrMissingBody)
	}

	blob := model.Blob{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			blob.Name = params["filename"]
		}
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			t = t.UTC()
			blob.LastModified = &t
		}
	}
	return blob, nil
}

// DeleteKnowledge removes a knowledge item.
func (c *Client) DeleteKnowledge(ctx context.Context, id uuid.UUID) error {
	if err := expectOK(c.delete(ctx, "/knowledge/"+id.String())); err != nil {
		return fmt.Errorf("deleting knowledge %s: %w", id, err)
	}
	return nil
}

// RetryIngestion asks the server to run ingestion again for a failed item.
func (c *Client) RetryIngestion(ctx context.Context, id uuid.UUID) error {
	if err := expectOK(c.post(ctx, "/knowledge/"+id.String()+"/retry-ingestion", nil)); err != nil {
		return fmt.Errorf("retrying ingestion of %s: %w", id, err)
	}
	return nil
}

// AddFileSource uploads files and returns the ids of the created items.
func (c *Client) AddFileSource(ctx context.Context, files []model.FileUpload) ([]uuid.UUID, error) {
	if len(files) == 0 {
		return nil, nil
	}
	resp, err := c.upload(ctx, http.MethodPost, "/knowledge/files", files)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	if err := decodeJSON(resp, &ids); err != nil {
		return nil, fmt.Errorf("uploading files: %w", err)
	}
	return ids, nil
}

// UpdateFileSource replaces the file behind an existing item.
func (c *Client) UpdateFileSource(ctx context.Context, id uuid.UUID, file model.FileUpload) error {
	resp, err := c.upload(ctx, http.MethodPut, "/knowledge/"+id.String()+"/file", []model.FileUpload{file})
	if err := expectOK(resp, err); err != nil {
		return fmt.Errorf("replacing file of %s: %w", id, err)
	}
	return nil
}

func (c *Client) upload(ctx context.Context, method, path string, files []model.FileUpload) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("creating form part for %s: %w", f.Name, err)
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	// Uploads can be slow; the request context bounds them instead.
	hc := *c.httpClient
	hc.Timeout = 5 * time.Minute
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable at %s (%w)", c.baseURL, err)
	}
	return resp, nil
}

// SetKnowledgePermission grants username the given access.
func (c *Client) SetKnowledgePermission(ctx context.Context, id uuid.UUID, username string, p model.Permission) error {
	body := map[string]string{"permission": string(p)}
	path := "/knowledge/" + id.String() + "/permissions/" + escape(username)
	if err := expectOK(c.put(ctx, path, body)); err != nil {
		return fmt.Errorf("setting permission for %s on %s: %w", username, id, err)
	}
	return nil
}

// RemoveKnowledgePermission revokes username's access.
func (c *Client) RemoveKnowledgePermission(ctx context.Context, id uuid.UUID, username string) error {
	path := "/knowledge/" + id.String() + "/permissions/" + escape(username)
	if err := expectOK(c.delete(ctx, path)); err != nil {
		return fmt.Errorf("removing permission for %s on %s: %w", username, id, err)
	}
	return nil
}

// AddKnowledgeTag attaches a tag.
func (c *Client) AddKnowledgeTag(ctx context.Context, id uuid.UUID, tag string) error {
	body := map[string]string{"tag": tag}
	if err := expectOK(c.post(ctx, "/knowledge/"+id.String()+"/tags", body)); err != nil {
		return fmt.Errorf("tagging %s: %w", id, err)
	}
	return nil
}

// RemoveKnowledgeTag detaches a tag.
func (c *Client) RemoveKnowledgeTag(ctx context.Context, id uuid.UUID, tag string) error {
	if err := expectOK(c.delete(ctx, "/knowledge/"+id.String()+"/tags/"+escape(tag))); err != nil {
		return fmt.Errorf("untagging %s: %w", id, err)
	}
	return nil
}

package knowledge

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/kalambet/docchat/internal/model"
)

// Delete removes item remotely and then locally.
func (p *Provider) Delete(ctx context.Context, item model.Knowledge) error {
	if err := p.backend.DeleteKnowledge(ctx, item.ID); err != nil {
		return err
	}
	p.DeleteLocalKnowledge(item)
	return nil
}

// RetryIngestion restarts ingestion and refreshes the local copy. The caller
// usually hands the id to a FileStatus to follow the new run.
func (p *Provider) RetryIngestion(ctx context.Context, id uuid.UUID) error {
	if err := p.backend.RetryIngestion(ctx, id); err != nil {
		return err
	}
	return p.reload(ctx, id)
}

// Upload sends files and returns the ids of the created items. The items
// themselves arrive through FileStatus.Track.
func (p *Provider) Upload(ctx context.Context, files []model.FileUpload) ([]uuid.UUID, error) {
	return p.backend.AddFileSource(ctx, files)
}

// Replace swaps the file behind id and refreshes the local copy.
func (p *Provider) Replace(ctx context.Context, id uuid.UUID, file model.FileUpload) error {
	if err := p.backend.UpdateFileSource(ctx, id, file); err != nil {
		return err
	}
	return p.reload(ctx, id)
}

// AddTag attaches tag to id.
func (p *Provider) AddTag(ctx context.Context, id uuid.UUID, tag string) error {
	if err := p.backend.AddKnowledgeTag(ctx, id, tag); err != nil {
		return err
	}
	return p.reload(ctx, id)
}

// RemoveTag detaches tag from id.
func (p *Provider) RemoveTag(ctx context.Context, id uuid.UUID, tag string) error {
	if err := p.backend.RemoveKnowledgeTag(ctx, id, tag); err != nil {
		return err
	}
	return p.reload(ctx, id)
}

// SetPermission grants username perm on item. OWNER entries are never
// touched and OWNER is never granted through this flow.
func (p *Provider) SetPermission(ctx context.Context, item model.Knowledge, username string, perm model.Permission) error {
	if perm == model.PermissionOwner || item.Permissions[username] == model.PermissionOwner {
		return fmt.Errorf("%s on %s: %w", username, item.ID, ErrOwnerPermission)
	}
	if err := p.backend.SetKnowledgePermission(ctx, item.ID, username, perm); err != nil {
		return err
	}
	return p.reload(ctx, item.ID)
}

// RemovePermission revokes username's access to item. OWNER entries cannot
// be removed.
func (p *Provider) RemovePermission(ctx context.Context, item model.Knowledge, username string) error {
	if item.Permissions[username] == model.PermissionOwner {
		return fmt.Errorf("%s on %s: %w", username, item.ID, ErrOwnerPermission)
	}
	if err := p.backend.RemoveKnowledgePermission(ctx, item.ID, username); err != nil {
		return err
	}
	return p.reload(ctx, item.ID)
}

// reload re-fetches one item and merges it, or drops it when the server no
// longer knows it.
func (p *Provider) reload(ctx context.Context, id uuid.UUID) error {
	k, err := p.backend.FetchKnowledgeByID(ctx, id)
	if err != nil {
		return fmt.Errorf("refreshing %s: %w", id, err)
	}
	if k == nil {
		p.DeleteLocalKnowledge(model.Knowledge{ID: id})
		return nil
	}
	p.UpdateLocalKnowledge([]model.Knowledge{*k})
	return nil
}

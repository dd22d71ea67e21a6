package gormstore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/balloonfs/balloon/pkg/fs"
	fserrors "github.com/balloonfs/balloon/pkg/fs/errors"
)

// NodeStore implements fs.NodeStore on a GORM connection.
type NodeStore struct {
	db *gorm.DB
}

var _ fs.NodeStore = (*NodeStore)(nil)

// New creates a node store over an already-opened connection (see OpenDB).
func New(db *gorm.DB) *NodeStore {
	return &NodeStore{db: db}
}

// Models returns the models this store auto-migrates.
func Models() []any {
	return []any{&nodeRecord{}}
}

// ============================================================================
// CRUD Operations
// ============================================================================

// Get implements fs.NodeStore.
func (s *NodeStore) Get(ctx context.Context, id fs.NodeID) (*fs.Node, error) {
	var rec nodeRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", string(id)).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, fserrors.NewNotFoundError(string(id), "node")
		}
		return nil, err
	}
	return fromRecord(&rec)
}

// GetChild implements fs.NodeStore.
func (s *NodeStore) GetChild(ctx context.Context, parent fs.NodeID, owner, name string, filter fs.ChildFilter) (*fs.Node, error) {
	query := s.db.WithContext(ctx).
		Where("parent = ? AND owner = ? AND name_fold = ?", string(parent), owner, nameFold(name))
	query = applyFilter(query, filter)

	var rec nodeRecord
	if err := query.First(&rec).Error; err != nil {
		if isRecordNotFound(err) {
			return nil, fserrors.NewNotFoundError(name, "child")
		}
		return nil, err
	}
	return fromRecord(&rec)
}

// Children implements fs.NodeStore.
func (s *NodeStore) Children(ctx context.Context, parent fs.NodeID, owner string, filter fs.ChildFilter) ([]*fs.Node, error) {
	query := s.db.WithContext(ctx).
		Where("parent = ? AND owner = ?", string(parent), owner).
		Order("name_fold, id")
	query = applyFilter(query, filter)

	var recs []nodeRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

// Insert implements fs.NodeStore. Unique-index violations surface as
// Conflict: the index is the authoritative sibling-uniqueness arbiter.
func (s *NodeStore) Insert(ctx context.Context, n *fs.Node) error {
	rec, err := toRecord(n)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueConstraintError(err) {
			return fserrors.NewConflictError(string(n.ID),
				fserrors.ReasonNodeWithSameNameExists,
				"a sibling with the same name already exists")
		}
		return err
	}
	return nil
}

// Update implements fs.NodeStore.
func (s *NodeStore) Update(ctx context.Context, n *fs.Node) error {
	rec, err := toRecord(n)
	if err != nil {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("id = ?", rec.ID).
		Select("*").
		Omit("id").
		Updates(rec)
	if result.Error != nil {
		if isUniqueConstraintError(result.Error) {
			return fserrors.NewConflictError(string(n.ID),
				fserrors.ReasonNodeWithSameNameExists,
				"a sibling with the same name already exists")
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fserrors.NewNotFoundError(string(n.ID), "node")
	}
	return nil
}

// Delete implements fs.NodeStore.
func (s *NodeStore) Delete(ctx context.Context, id fs.NodeID) error {
	result := s.db.WithContext(ctx).Delete(&nodeRecord{}, "id = ?", string(id))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fserrors.NewNotFoundError(string(id), "node")
	}
	return nil
}

// Root implements fs.NodeStore. Creation races fall back to re-reading the
// winner's row.
func (s *NodeStore) Root(ctx context.Context, owner string) (*fs.Node, error) {
	var rec nodeRecord
	err := s.db.WithContext(ctx).
		Where("parent = '' AND owner = ?", owner).
		First(&rec).Error
	if err == nil {
		return fromRecord(&rec)
	}
	if !isRecordNotFound(err) {
		return nil, err
	}

	now := time.Now()
	id := fs.NewNodeID()
	root := &fs.Node{
		ID:      id,
		Pointer: id,
		Kind:    fs.KindCollection,
		Owner:   owner,
		Created: now,
		Changed: now,
	}
	if err := s.Insert(ctx, root); err != nil {
		if fserrors.IsConflict(err) {
			return s.Root(ctx, owner)
		}
		return nil, err
	}
	return root, nil
}

// ============================================================================
// Share and Reference Lookups
// ============================================================================

// ByPointer implements fs.NodeStore.
func (s *NodeStore) ByPointer(ctx context.Context, pointer fs.NodeID) ([]*fs.Node, error) {
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("pointer = ? AND id <> ?", string(pointer), string(pointer)).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

// BySharedRoot implements fs.NodeStore.
func (s *NodeStore) BySharedRoot(ctx context.Context, share fs.NodeID) ([]*fs.Node, error) {
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("shared = ?", string(share)).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

// SetSharedBulk implements fs.NodeStore. The subtree is collected level by
// level and stamped with batched UPDATEs; per spec'd share semantics the walk
// is not transactional across the whole subtree.
func (s *NodeStore) SetSharedBulk(ctx context.Context, root fs.NodeID, share fs.NodeID, owner string) (int64, error) {
	var exists int64
	if err := s.db.WithContext(ctx).Model(&nodeRecord{}).
		Where("id = ?", string(root)).
		Count(&exists).Error; err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, fserrors.NewNotFoundError(string(root), "node")
	}

	ids, err := s.collectSubtree(ctx, root)
	if err != nil {
		return 0, err
	}

	updates := map[string]any{"shared": string(share)}
	if owner != "" {
		updates["owner"] = owner
	}

	var touched int64
	const batch = 500
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		result := s.db.WithContext(ctx).
			Model(&nodeRecord{}).
			Where("id IN ?", ids[start:end]).
			Updates(updates)
		if result.Error != nil {
			return touched, result.Error
		}
		touched += result.RowsAffected
	}
	return touched, nil
}

// collectSubtree gathers the ids of a subtree breadth-first, root included.
func (s *NodeStore) collectSubtree(ctx context.Context, root fs.NodeID) ([]string, error) {
	ids := []string{string(root)}
	frontier := []string{string(root)}

	for len(frontier) > 0 {
		var children []string
		err := s.db.WithContext(ctx).
			Model(&nodeRecord{}).
			Where("parent IN ?", frontier).
			Pluck("id", &children).Error
		if err != nil {
			return nil, err
		}
		ids = append(ids, children...)
		frontier = children
	}
	return ids, nil
}

// ============================================================================
// Aggregates and Listings
// ============================================================================

// OwnedSize implements fs.NodeStore.
func (s *NodeStore) OwnedSize(ctx context.Context, owner string) (int64, error) {
	var total *int64
	err := s.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("owner = ? AND kind = ? AND pointer = id", owner, int(fs.KindFile)).
		Select("SUM(size)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// VisibleLive implements fs.NodeStore. Ordered by id for stable snapshot
// pagination.
func (s *NodeStore) VisibleLive(ctx context.Context, owner string, shares []fs.NodeID, scope fs.NodeID, page fs.Page) ([]*fs.Node, int64, error) {
	shareIDs := make([]string, 0, len(shares))
	for _, sh := range shares {
		shareIDs = append(shareIDs, string(sh))
	}

	query := s.db.WithContext(ctx).
		Model(&nodeRecord{}).
		Where("live = ? AND parent <> ''", true)
	if scope != "" {
		query = query.Where("shared = ?", string(scope))
	}
	if len(shareIDs) > 0 {
		query = query.Where("owner = ? OR shared IN ?", owner, shareIDs)
	} else {
		query = query.Where("owner = ?", owner)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var recs []nodeRecord
	listing := query.Order("id").Offset(page.Offset)
	if page.Limit > 0 {
		listing = listing.Limit(page.Limit)
	}
	if err := listing.Find(&recs).Error; err != nil {
		return nil, 0, err
	}

	nodes, err := fromRecords(recs)
	return nodes, total, err
}

// Trash implements fs.NodeStore: soft-deleted subtree roots, meaning deleted
// nodes whose parent is live or gone.
func (s *NodeStore) Trash(ctx context.Context, owner string) ([]*fs.Node, error) {
	var recs []nodeRecord
	err := s.db.WithContext(ctx).
		Where("owner = ? AND live = ?", owner, false).
		Where("parent NOT IN (?)",
			s.db.Model(&nodeRecord{}).Select("id").Where("live = ?", false)).
		Order("name_fold, id").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return fromRecords(recs)
}

func applyFilter(query *gorm.DB, filter fs.ChildFilter) *gorm.DB {
	switch filter {
	case fs.FilterLive:
		return query.Where("live = ?", true)
	case fs.FilterDeleted:
		return query.Where("live = ?", false)
	default:
		return query
	}
}

func fromRecords(recs []nodeRecord) ([]*fs.Node, error) {
	nodes := make([]*fs.Node, 0, len(recs))
	for i := range recs {
		n, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

package scene

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("scene: database handle is required")

// Snapshot stores the durable binary state for one scene document,
// overwritten in place on every flush.
type Snapshot struct {
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	State            []byte `gorm:"column:state;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "scene_snapshots"
}

// GormSnapshotAdapterConfig describes the inputs for a snapshot adapter.
type GormSnapshotAdapterConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// GormSnapshotAdapter persists scene snapshots through GORM.
type GormSnapshotAdapter struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormSnapshotAdapter validates the configuration and returns an adapter.
func NewGormSnapshotAdapter(cfg GormSnapshotAdapterConfig) (*GormSnapshotAdapter, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GormSnapshotAdapter{db: cfg.Database, clock: clock}, nil
}

// Load reads the stored snapshot for a document; found is false when no row
// exists yet.
func (a *GormSnapshotAdapter) Load(ctx context.Context, docID DocumentID) ([]byte, bool, error) {
	var row Snapshot
	err := a.db.WithContext(ctx).
		Where("doc_id = ?", docID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row.State, true, nil
}

// Save upserts the snapshot row for a document.
func (a *GormSnapshotAdapter) Save(ctx context.Context, docID DocumentID, blob []byte) error {
	row := Snapshot{
		DocID:            docID.String(),
		State:            blob,
		UpdatedAtSeconds: a.clock().UTC().Unix(),
	}
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at_s"}),
		}).
		Create(&row).Error
}

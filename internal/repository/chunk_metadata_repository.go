package repository

import (
	"portal-rag-go/internal/model"

	"gorm.io/gorm"
)

// ChunkMetadataRepository 定义了对 chunk_metadata 表的数据操作接口。
type ChunkMetadataRepository interface {
	// ReplaceForDocument 以先删后写的方式幂等替换某文档的全部元数据记录。
	// 文档收缩时旧的尾部记录随整体替换一并清除。
	ReplaceForDocument(documentID string, records []model.ChunkMetadata) error
	FindByDocumentID(documentID string) ([]model.ChunkMetadata, error)
	Clear() error
	Count() (int64, error)
}

type chunkMetadataRepository struct {
	db *gorm.DB
}

// NewChunkMetadataRepository 创建一个新的 ChunkMetadataRepository 实例。
func NewChunkMetadataRepository(db *gorm.DB) ChunkMetadataRepository {
	return &chunkMetadataRepository{db: db}
}

func (r *chunkMetadataRepository) ReplaceForDocument(documentID string, records []model.ChunkMetadata) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.ChunkMetadata{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.CreateInBatches(records, 100).Error // 每100条记录一批
	})
}

func (r *chunkMetadataRepository) FindByDocumentID(documentID string) ([]model.ChunkMetadata, error) {
	var records []model.ChunkMetadata
	err := r.db.
		Where("document_id = ?", documentID).
		Order("sequence_index asc").
		Find(&records).Error
	return records, err
}

func (r *chunkMetadataRepository) Clear() error {
	return r.db.Where("1 = 1").Delete(&model.ChunkMetadata{}).Error
}

func (r *chunkMetadataRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&model.ChunkMetadata{}).Count(&count).Error
	return count, err
}

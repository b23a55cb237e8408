// Package repository holds the GORM persistence layer for the PACS node
// registry. The cache hierarchy has its own store in internal/cacheindex.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dicom-gateway/gateway/internal/models"
	"gorm.io/gorm"
)

// ErrNodeNotFound is returned when no PACS node with the given name exists.
var ErrNodeNotFound = errors.New("pacs node not found")

// PACSRepository handles PACS node database operations.
type PACSRepository struct {
	db *gorm.DB
}

func NewPACSRepository(db *gorm.DB) *PACSRepository {
	return &PACSRepository{db: db}
}

// Create creates a new PACS node. When the node is flagged default, every
// other default flag is cleared first so at most one record carries it.
func (r *PACSRepository) Create(ctx context.Context, node *models.PACSNode) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if node.IsDefault {
			if err := tx.Model(&models.PACSNode{}).Where("is_default = ?", true).
				Update("is_default", false).Error; err != nil {
				return fmt.Errorf("clear default flags: %w", err)
			}
		}
		if err := tx.Create(node).Error; err != nil {
			return fmt.Errorf("create pacs node: %w", err)
		}
		return nil
	})
}

// GetByName retrieves a PACS node by its name key.
func (r *PACSRepository) GetByName(ctx context.Context, name string) (*models.PACSNode, error) {
	var node models.PACSNode
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&node).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("get pacs node: %w", err)
	}
	return &node, nil
}

// GetDefault retrieves the node flagged isDefault, or the oldest node when
// none is flagged.
func (r *PACSRepository) GetDefault(ctx context.Context) (*models.PACSNode, error) {
	var node models.PACSNode
	err := r.db.WithContext(ctx).Where("is_default = ?", true).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = r.db.WithContext(ctx).Order("created_at ASC").First(&node).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("get default pacs node: %w", err)
	}
	return &node, nil
}

// List retrieves every registered PACS node, default first.
func (r *PACSRepository) List(ctx context.Context) ([]models.PACSNode, error) {
	var nodes []models.PACSNode
	if err := r.db.WithContext(ctx).
		Order("is_default DESC, created_at ASC").
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("list pacs nodes: %w", err)
	}
	return nodes, nil
}

// Update replaces a node's mutable fields.
func (r *PACSRepository) Update(ctx context.Context, node *models.PACSNode) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if node.IsDefault {
			if err := tx.Model(&models.PACSNode{}).
				Where("is_default = ? AND name <> ?", true, node.Name).
				Update("is_default", false).Error; err != nil {
				return fmt.Errorf("clear default flags: %w", err)
			}
		}
		if err := tx.Save(node).Error; err != nil {
			return fmt.Errorf("update pacs node: %w", err)
		}
		return nil
	})
}

// Delete soft-deletes a node by name.
func (r *PACSRepository) Delete(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).Where("name = ?", name).Delete(&models.PACSNode{})
	if result.Error != nil {
		return fmt.Errorf("delete pacs node: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// UpdateConnectionStatus records the outcome of a C-ECHO connection test.
func (r *PACSRepository) UpdateConnectionStatus(ctx context.Context, name string, status *models.ConnectionStatus) error {
	updates := map[string]interface{}{
		"last_connection_test":   status.LastChecked,
		"last_connection_status": status.IsConnected,
		"last_error":             status.ErrorMessage,
	}
	if err := r.db.WithContext(ctx).
		Model(&models.PACSNode{}).
		Where("name = ?", name).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return nil
}

// Seed merges boot-time node records into the registry without overwriting
// operator edits: a node already present by name is left untouched.
func (r *PACSRepository) Seed(ctx context.Context, nodes []models.PACSNode) error {
	for i := range nodes {
		var existing models.PACSNode
		err := r.db.WithContext(ctx).Where("name = ?", nodes[i].Name).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("seed pacs node %q: %w", nodes[i].Name, err)
		}
		if err := r.Create(ctx, &nodes[i]); err != nil {
			return err
		}
	}
	return nil
}

// Timeouts converts a node's millisecond fields into durations with sane
// floors, for wiring straight into the association engine's config.
func Timeouts(node *models.PACSNode) (connect, response, association time.Duration) {
	connect = time.Duration(node.ConnectTimeoutMs) * time.Millisecond
	if connect <= 0 {
		connect = 5 * time.Second
	}
	response = time.Duration(node.ResponseTimeoutMs) * time.Millisecond
	if response <= 0 {
		response = 30 * time.Second
	}
	association = time.Duration(node.AssociationTimeoutMs) * time.Millisecond
	if association <= 0 {
		association = 5 * time.Minute
	}
	return connect, response, association
}

// Package catalog provides read-only lookups against the externally-owned
// market catalog. The streaming service never writes to this table.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/marketstream/pkg/models"
)

// Catalog answers "does this market exist and is it enabled" queries.
type Catalog struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New creates a Catalog backed by the given gorm connection.
func New(db *gorm.DB, logger *zap.Logger) *Catalog {
	return &Catalog{db: db, logger: logger}
}

// IsActive reports whether the pair (base, quote) exists in the catalog with
// active status. Unknown pairs return (false, nil); only infrastructure
// failures produce an error.
func (c *Catalog) IsActive(ctx context.Context, base, quote string) (bool, error) {
	symbol := base + "/" + quote

	var pair models.TradingPair
	err := c.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		First(&pair).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog lookup for %s: %w", symbol, err)
	}

	return pair.Status == models.PairStatusActive, nil
}

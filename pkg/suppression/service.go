package suppression

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/leadflowhq/leadflow/pkg/cache"
	"github.com/leadflowhq/leadflow/pkg/database"
)

// Service maintains the per-tenant suppression list consulted before
// every send attempt. Lookups are cached in Redis because the engine
// checks on every tick.
type Service struct {
	db    *database.Client
	cache *cache.Client
}

const cacheTTL = 5 * time.Minute

// NewService creates a new suppression service. cache may be nil.
func NewService(db *database.Client, cacheClient *cache.Client) *Service {
	return &Service{db: db, cache: cacheClient}
}

func cacheKey(tenantID, address string) string {
	return fmt.Sprintf("suppression:%s:%s", tenantID, strings.ToLower(address))
}

// Suppress adds an address to the tenant's suppression list.
func (s *Service) Suppress(ctx context.Context, tenantID, address, reason string) error {
	address = strings.ToLower(address)

	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO suppressions (tenant_id, address, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, address) DO NOTHING
	`, tenantID, address, reason)
	if err != nil {
		return fmt.Errorf("failed to suppress address: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey(tenantID, address), "1", cacheTTL)
	}
	return nil
}

// IsSuppressed reports whether the address is on the tenant's
// suppression list.
func (s *Service) IsSuppressed(ctx context.Context, tenantID, address string) (bool, error) {
	address = strings.ToLower(address)

	if s.cache != nil {
		if hit, err := s.cache.Exists(ctx, cacheKey(tenantID, address)); err == nil && hit {
			return true, nil
		}
	}

	var one int
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT 1 FROM suppressions WHERE tenant_id = $1 AND address = $2
	`, tenantID, address).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check suppression: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey(tenantID, address), "1", cacheTTL)
	}
	return true, nil
}

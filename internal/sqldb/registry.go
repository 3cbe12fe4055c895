package sqldb

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hilderonny/fm-sub000/internal/apperr"
)

// PortalTenant is the tenant holding the cross-client tables (clients,
// clientmodules, allusers, portals, ...).
const PortalTenant = "portal"

// Registry maps tenant names to open databases. Each tenant lives in its own
// physical database named <prefix>_<tenant>.
type Registry struct {
	backend Backend
	prefix  string
	logger  *zap.SugaredLogger

	mu   sync.RWMutex
	open map[string]DB
}

// NewRegistry creates a registry over backend.
func NewRegistry(backend Backend, prefix string, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		backend: backend,
		prefix:  prefix,
		logger:  logger,
		open:    make(map[string]DB),
	}
}

// DatabaseName returns the physical database name of tenant.
func (r *Registry) DatabaseName(tenant string) string {
	return r.prefix + "_" + tenant
}

func (r *Registry) checkTenant(tenant string) error {
	if tenant == "" || !ValidIdentifier(r.DatabaseName(tenant)) {
		return apperr.Validation("tenant", "invalid tenant name %q", tenant)
	}
	return nil
}

// Dialect returns the dialect shared by every tenant database.
func (r *Registry) Dialect() Dialect { return r.backend.Dialect() }

// Get returns the database of an existing tenant, opening it on first use.
// Unknown tenants yield apperr.ErrNotFound.
func (r *Registry) Get(ctx context.Context, tenant string) (DB, error) {
	if err := r.checkTenant(tenant); err != nil {
		return nil, err
	}

	r.mu.RLock()
	db, ok := r.open[tenant]
	r.mu.RUnlock()
	if ok {
		return db, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if db, ok := r.open[tenant]; ok {
		return db, nil
	}

	name := r.DatabaseName(tenant)
	exists, err := r.backend.DatabaseExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, apperr.NotFound("tenant %s", tenant)
	}
	db, err = r.backend.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open tenant %s: %w", tenant, err)
	}
	r.open[tenant] = db
	r.logger.Debugw("opened tenant database", "tenant", tenant, "database", name)
	return db, nil
}

// Exists reports whether the tenant database exists.
func (r *Registry) Exists(ctx context.Context, tenant string) (bool, error) {
	if err := r.checkTenant(tenant); err != nil {
		return false, err
	}
	return r.backend.DatabaseExists(ctx, r.DatabaseName(tenant))
}

// Create creates the tenant database and returns it opened.
func (r *Registry) Create(ctx context.Context, tenant string) (DB, error) {
	if err := r.checkTenant(tenant); err != nil {
		return nil, err
	}
	name := r.DatabaseName(tenant)
	if err := r.backend.CreateDatabase(ctx, name); err != nil {
		return nil, err
	}
	r.logger.Infow("created tenant database", "tenant", tenant, "database", name)
	return r.Get(ctx, tenant)
}

// Drop closes any open handle and drops the tenant database.
func (r *Registry) Drop(ctx context.Context, tenant string) error {
	if err := r.checkTenant(tenant); err != nil {
		return err
	}
	r.forget(tenant)
	name := r.DatabaseName(tenant)
	if err := r.backend.DropDatabase(ctx, name); err != nil {
		return err
	}
	r.logger.Infow("dropped tenant database", "tenant", tenant, "database", name)
	return nil
}

func (r *Registry) forget(tenant string) {
	r.mu.Lock()
	db, ok := r.open[tenant]
	delete(r.open, tenant)
	r.mu.Unlock()
	if ok {
		if err := db.Close(); err != nil {
			r.logger.Warnw("failed to close tenant database", "tenant", tenant, "error", err)
		}
	}
}

// Close closes every open tenant database and the backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]DB)
	r.mu.Unlock()
	for tenant, db := range open {
		if err := db.Close(); err != nil {
			r.logger.Warnw("failed to close tenant database", "tenant", tenant, "error", err)
		}
	}
	return r.backend.Close()
}

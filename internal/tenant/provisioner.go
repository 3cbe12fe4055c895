// Package tenant creates and removes client databases and keeps the portal
// database that lists them.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hilderonny/fm-sub000/internal/apperr"
	"github.com/hilderonny/fm-sub000/internal/engine"
	"github.com/hilderonny/fm-sub000/internal/fieldtype"
	"github.com/hilderonny/fm-sub000/internal/files"
	"github.com/hilderonny/fm-sub000/internal/schema"
	"github.com/hilderonny/fm-sub000/internal/sqldb"
)

// Provisioner manages the lifecycle of tenant databases.
type Provisioner struct {
	tenants       *sqldb.Registry
	catalog       *schema.Catalog
	engine        *engine.Engine
	files         *files.Store
	adminPassword string
	logger        *zap.SugaredLogger
}

// NewProvisioner creates a provisioner. adminPassword is the initial
// password of the administrator of every new client.
func NewProvisioner(tenants *sqldb.Registry, catalog *schema.Catalog, eng *engine.Engine, store *files.Store, adminPassword string, logger *zap.SugaredLogger) *Provisioner {
	return &Provisioner{
		tenants:       tenants,
		catalog:       catalog,
		engine:        eng,
		files:         store,
		adminPassword: adminPassword,
		logger:        logger,
	}
}

// InitPortal creates the portal database and its datatypes when missing.
// Running it again is harmless.
func (p *Provisioner) InitPortal(ctx context.Context) error {
	exists, err := p.tenants.Exists(ctx, sqldb.PortalTenant)
	if err != nil {
		return err
	}
	if !exists {
		if _, err := p.tenants.Create(ctx, sqldb.PortalTenant); err != nil {
			return fmt.Errorf("failed to create portal database: %w", err)
		}
	}
	if err := p.seed(ctx, sqldb.PortalTenant, portalSeeds()); err != nil {
		return err
	}
	p.logger.Infow("portal initialized", "database", p.tenants.DatabaseName(sqldb.PortalTenant))
	return nil
}

func (p *Provisioner) seed(ctx context.Context, tenant string, seeds []schema.Seed) error {
	if err := p.catalog.EnsureCatalogTables(ctx, tenant); err != nil {
		return err
	}
	all := append(engine.SystemSeeds(), seeds...)
	if err := p.catalog.Install(ctx, tenant, all...); err != nil {
		return fmt.Errorf("failed to seed %s: %w", tenant, err)
	}
	// Formula fields added to an existing database need values for the
	// rows already there.
	for _, s := range all {
		if !hasFormula(s) {
			continue
		}
		if err := p.engine.RecalculateDatatype(ctx, tenant, s.Datatype.Name); err != nil {
			return fmt.Errorf("failed to seed %s: %w", tenant, err)
		}
	}
	return nil
}

func hasFormula(s schema.Seed) bool {
	for _, f := range s.Fields {
		if f.FieldType == fieldtype.Formula {
			return true
		}
	}
	return false
}

// Create registers a new client in the portal, creates its database with the
// base datatypes and an administrator account. It returns the client entity.
// A failure after the client row was written removes what was created.
func (p *Provisioner) Create(ctx context.Context, label string) (engine.Object, error) {
	if strings.TrimSpace(label) == "" {
		return nil, apperr.Validation("label", "client label is required")
	}
	client, err := p.engine.Insert(ctx, sqldb.PortalTenant, ClientsDatatype, engine.Object{"label": label})
	if err != nil {
		return nil, err
	}
	name := client.Name()

	if err := p.provision(ctx, name); err != nil {
		if derr := p.Drop(ctx, name); derr != nil {
			p.logger.Errorw("failed to roll back client", "client", name, "error", derr)
		}
		return nil, err
	}
	p.logger.Infow("client created", "client", name, "label", label)
	return client, nil
}

func (p *Provisioner) provision(ctx context.Context, client string) error {
	if _, err := p.tenants.Create(ctx, client); err != nil {
		return fmt.Errorf("failed to create database of client %s: %w", client, err)
	}
	if err := p.seed(ctx, client, clientSeeds()); err != nil {
		return err
	}
	if _, err := p.engine.Insert(ctx, client, UsersDatatype, engine.Object{
		schema.NameField: AdminUser,
		"password":       p.adminPassword,
		"isadmin":        true,
	}); err != nil {
		return fmt.Errorf("failed to create administrator of %s: %w", client, err)
	}
	if _, err := p.engine.Insert(ctx, sqldb.PortalTenant, AllUsersDatatype, engine.Object{
		schema.NameField:       PortalUserName(client, AdminUser),
		"password":             p.adminPassword,
		engine.ClientNameField: client,
	}); err != nil {
		return fmt.Errorf("failed to register administrator of %s: %w", client, err)
	}
	return nil
}

// PortalUserName returns the portal-wide account name of a client user.
func PortalUserName(client, user string) string {
	return client + "_" + user
}

// Drop removes a client: its portal rows, its database, its files and
// finally the client entity. Unknown clients yield apperr.ErrNotFound.
func (p *Provisioner) Drop(ctx context.Context, client string) error {
	if client == sqldb.PortalTenant {
		return apperr.Validation("name", "the portal cannot be dropped")
	}
	if _, err := p.engine.Get(ctx, sqldb.PortalTenant, ClientsDatatype, client); err != nil {
		return err
	}

	for _, dt := range []string{ClientModulesDatatype, ClientSettingsDatatype, AllUsersDatatype} {
		n, err := p.engine.DeleteWhere(ctx, sqldb.PortalTenant, dt, engine.ClientNameField, client)
		if err != nil {
			return fmt.Errorf("failed to delete %s of client %s: %w", dt, client, err)
		}
		if n > 0 {
			p.logger.Debugw("deleted client rows", "client", client, "datatype", dt, "count", n)
		}
	}

	exists, err := p.tenants.Exists(ctx, client)
	if err != nil {
		return err
	}
	if exists {
		if err := p.tenants.Drop(ctx, client); err != nil {
			return fmt.Errorf("failed to drop database of client %s: %w", client, err)
		}
	}
	if err := p.files.RemoveTenant(client); err != nil {
		return err
	}
	if err := p.engine.Delete(ctx, sqldb.PortalTenant, ClientsDatatype, client); err != nil {
		return err
	}
	p.logger.Infow("client dropped", "client", client)
	return nil
}

// Authenticate checks a portal account and returns the client it belongs
// to. Unknown accounts and wrong passwords both yield apperr.ErrNotFound.
func (p *Provisioner) Authenticate(ctx context.Context, username, password string) (string, error) {
	ok, err := p.engine.VerifyPassword(ctx, sqldb.PortalTenant, AllUsersDatatype, username, "password", password)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return "", err
	}
	if !ok {
		return "", apperr.NotFound("user %s", username)
	}
	user, err := p.engine.Get(ctx, sqldb.PortalTenant, AllUsersDatatype, username)
	if err != nil {
		return "", err
	}
	return sqldb.AsString(user[engine.ClientNameField]), nil
}

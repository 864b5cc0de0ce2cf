// Package tenant resolves which org an inbound event belongs to.
package tenant

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/courier/internal/cache"
	"github.com/smallbiznis/courier/internal/webhook/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Resolver interface {
	Resolve(ctx context.Context, event *domain.InboundEvent) (snowflake.ID, error)
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Cache cache.OrgLookupCache `optional:"true"`
}

type DBResolver struct {
	db    *gorm.DB
	cache cache.OrgLookupCache
}

func NewResolver(p Params) Resolver {
	c := p.Cache
	if c == nil {
		c = cache.NewOrgLookupCache()
	}
	return &DBResolver{db: p.DB, cache: c}
}

// Resolve prefers an explicit org_id, then the referenced invoice, then the
// referenced customer.
func (r *DBResolver) Resolve(ctx context.Context, event *domain.InboundEvent) (snowflake.ID, error) {
	if event == nil {
		return 0, domain.ErrTenantUnresolved
	}
	if event.OrgID != nil && *event.OrgID != 0 {
		return *event.OrgID, nil
	}
	if id := event.References.InvoiceID; id != nil {
		orgID, err := r.lookup(ctx, "invoices", *id, r.cache.GetInvoiceOrg, r.cache.SetInvoiceOrg)
		if err != nil || orgID != 0 {
			return orgID, err
		}
	}
	if id := event.References.CustomerID; id != nil {
		orgID, err := r.lookup(ctx, "customers", *id, r.cache.GetCustomerOrg, r.cache.SetCustomerOrg)
		if err != nil || orgID != 0 {
			return orgID, err
		}
	}
	return 0, domain.ErrTenantUnresolved
}

func (r *DBResolver) lookup(
	ctx context.Context,
	table string,
	id snowflake.ID,
	get func(snowflake.ID) (snowflake.ID, bool),
	set func(snowflake.ID, snowflake.ID),
) (snowflake.ID, error) {
	if orgID, ok := get(id); ok {
		return orgID, nil
	}
	var orgID snowflake.ID
	err := r.db.WithContext(ctx).Raw(
		`SELECT org_id FROM `+table+` WHERE id = ? LIMIT 1`,
		id,
	).Scan(&orgID).Error
	if err != nil {
		return 0, err
	}
	if orgID != 0 {
		set(id, orgID)
	}
	return orgID, nil
}

package cache

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const defaultOrgTTL = 10 * time.Minute

// OrgLookupCache stores entity → org resolutions for the webhook receiver.
// Invoices and customers never move between orgs, so entries only expire to
// bound memory.
type OrgLookupCache interface {
	GetInvoiceOrg(invoiceID snowflake.ID) (snowflake.ID, bool)
	SetInvoiceOrg(invoiceID, orgID snowflake.ID)
	GetCustomerOrg(customerID snowflake.ID) (snowflake.ID, bool)
	SetCustomerOrg(customerID, orgID snowflake.ID)
}

type orgLookupCache struct {
	invoices  Cache[snowflake.ID, snowflake.ID]
	customers Cache[snowflake.ID, snowflake.ID]
}

func NewOrgLookupCache() OrgLookupCache {
	return &orgLookupCache{
		invoices:  NewTTLCache[snowflake.ID, snowflake.ID](50000, defaultOrgTTL),
		customers: NewTTLCache[snowflake.ID, snowflake.ID](50000, defaultOrgTTL),
	}
}

func (c *orgLookupCache) GetInvoiceOrg(invoiceID snowflake.ID) (snowflake.ID, bool) {
	return c.invoices.Get(invoiceID)
}

func (c *orgLookupCache) SetInvoiceOrg(invoiceID, orgID snowflake.ID) {
	c.invoices.Set(invoiceID, orgID)
}

func (c *orgLookupCache) GetCustomerOrg(customerID snowflake.ID) (snowflake.ID, bool) {
	return c.customers.Get(customerID)
}

func (c *orgLookupCache) SetCustomerOrg(customerID, orgID snowflake.ID) {
	c.customers.Set(customerID, orgID)
}

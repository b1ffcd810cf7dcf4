// internal/model/customer.go
package model

import "strings"

// Customer is a tenant contact that campaigns address.
type Customer struct {
	ID               int               `db:"id" json:"id"`
	TenantID         string            `db:"tenant_id" json:"tenant_id"`
	Phone            string            `db:"phone" json:"phone"`
	FirstName        string            `db:"first_name" json:"first_name"`
	LastName         string            `db:"last_name" json:"last_name"`
	Location         string            `db:"location" json:"location"`
	PreferredProduct string            `db:"preferred_product" json:"preferred_product"`
	Attributes       map[string]string `db:"attributes" json:"attributes,omitempty"`
}

// Fields is the placeholder set a template may reference. Empty values are
// left out so that rendering reports them as missing.
func (c *Customer) Fields() map[string]string {
	fields := map[string]string{}
	for k, v := range c.Attributes {
		if v != "" {
			fields[k] = v
		}
	}
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			fields[k] = v
		}
	}
	set("first_name", c.FirstName)
	set("last_name", c.LastName)
	set("name", c.FirstName+" "+c.LastName)
	set("phone", c.Phone)
	set("location", c.Location)
	set("preferred_product", c.PreferredProduct)
	return fields
}

// Matches reports whether the customer falls inside a segment filter.
func (f SegmentFilter) Matches(c *Customer) bool {
	if f.Location != "" && !strings.EqualFold(f.Location, c.Location) {
		return false
	}
	if f.PreferredProduct != "" && !strings.EqualFold(f.PreferredProduct, c.PreferredProduct) {
		return false
	}
	for k, v := range f.Attributes {
		if c.Attributes[k] != v {
			return false
		}
	}
	return true
}

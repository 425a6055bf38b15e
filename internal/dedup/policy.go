// Package dedup holds the per-domain core fields and conflict strategy used to
// collapse repeated exports of the same logical row.
package dedup

import (
	"strings"

	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

type Entry struct {
	Fields   []string
	Strategy models.Strategy
	// SubDomains overrides Fields for specific sub-domains.
	SubDomains map[string][]string
}

// Table is immutable after construction; lookups are case-insensitive.
type Table struct {
	entries map[string]Entry
}

func NewTable(entries map[string]Entry) *Table {
	t := &Table{entries: make(map[string]Entry, len(entries))}
	for domain, e := range entries {
		sub := make(map[string][]string, len(e.SubDomains))
		for k, v := range e.SubDomains {
			sub[key(k)] = clone(v)
		}
		t.entries[key(domain)] = Entry{Fields: clone(e.Fields), Strategy: e.Strategy, SubDomains: sub}
	}
	return t
}

// Default returns the policy shipped with the service.
func Default() *Table {
	return NewTable(map[string]Entry{
		"orders": {
			Fields:   []string{"order_id", "order_date", "platform_code", "shop_id"},
			Strategy: models.StrategyUpsert,
		},
		"products": {
			Fields:   []string{"product_sku", "product_id", "platform_code", "shop_id"},
			Strategy: models.StrategyUpsert,
		},
		"inventory": {
			Fields:   []string{"product_sku", "warehouse_id", "platform_code", "shop_id"},
			Strategy: models.StrategyUpsert,
		},
		"traffic": {
			Fields:   []string{"date", "platform_code", "shop_id"},
			Strategy: models.StrategyUpsert,
		},
		"services": {
			Fields:   []string{"service_id", "date", "platform_code", "shop_id"},
			Strategy: models.StrategyUpsert,
			SubDomains: map[string][]string{
				"agent":        {"agent_id", "date", "platform_code", "shop_id"},
				"ai_assistant": {"date", "platform_code", "shop_id"},
			},
		},
		"analytics": {
			Fields:   []string{"date", "platform_code", "shop_id"},
			Strategy: models.StrategyUpsert,
		},
	})
}

// EffectiveFields picks the hash fields: template list, then the sub-domain
// default, then the domain default. An empty result means hash every business field.
func (t *Table) EffectiveFields(domain, subDomain string, templateFields []string) []string {
	if fields := nonEmpty(templateFields); len(fields) > 0 {
		return fields
	}

	entry, ok := t.entries[key(domain)]
	if !ok {
		return nil
	}
	if subDomain != "" {
		if fields, ok := entry.SubDomains[key(subDomain)]; ok && len(fields) > 0 {
			return clone(fields)
		}
	}
	return clone(entry.Fields)
}

func (t *Table) Strategy(domain string) models.Strategy {
	if entry, ok := t.entries[key(domain)]; ok && entry.Strategy != "" {
		return entry.Strategy
	}
	return models.StrategyUpsert
}

func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func nonEmpty(fields []string) []string {
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func clone(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

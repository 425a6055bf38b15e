package template

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timberdayz/timber-dayz-sub007/internal/currency"
	"github.com/timberdayz/timber-dayz-sub007/internal/logging"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

const sampleCatalog = `
templates:
  - id: 1
    name: shopee_orders_daily_v1
    version: 1
    status: published
    platform: shopee
    domain: orders
    granularity: daily
    header_row: 0
    header_columns: [order_id, order_date, "GMV (BRL)"]
  - id: 2
    name: shopee_orders_daily_v2
    version: 2
    platform: shopee
    domain: orders
    granularity: daily
    header_row: 2
    header_columns: [order_id, order_date, "GMV (BRL)", buyer]
    deduplication_fields: [order_id, platform_code, shop_id]
  - id: 3
    name: shopee_orders_daily_draft
    version: 9
    status: draft
    platform: shopee
    domain: orders
    granularity: daily
  - id: 4
    name: tiktok_services_agent
    version: 1
    platform: tiktok
    domain: services
    granularity: daily
    sub_domain: agent
    header_columns: [agent_id, date]
  - id: 5
    name: tiktok_inventory
    version: 1
    platform: tiktok
    domain: inventory
    granularity: snapshot
    sub_domain: warehouse
    header_columns: [sku, qty, warehouse]
`

func buildMatcher(t *testing.T) *CatalogMatcher {
	t.Helper()
	templates, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)
	return NewCatalogMatcher(NewCatalog(templates, logging.Discard()), currency.NewExtractor())
}

func TestParseCatalog(t *testing.T) {
	t.Run("Expect: valid catalog parsed with header row kept", func(t *testing.T) {
		templates, err := ParseCatalog([]byte(sampleCatalog))

		require.NoError(t, err)
		require.Len(t, templates, 5)
		require.NotNil(t, templates[1].HeaderRow)
		assert.Equal(t, 2, *templates[1].HeaderRow)
		assert.Nil(t, templates[2].HeaderRow)
	})

	t.Run("Expect: schema violations rejected", func(t *testing.T) {
		_, err := ParseCatalog([]byte("templates:\n  - id: 1\n    domain: orders\n"))
		assert.Error(t, err)

		_, err = ParseCatalog([]byte("templates:\n  - id: 1\n    platform: x\n    domain: orders\n    header_row: -1\n"))
		assert.Error(t, err)
	})

	t.Run("Expect: duplicate ids rejected", func(t *testing.T) {
		_, err := ParseCatalog([]byte("templates:\n  - {id: 1, platform: a, domain: b}\n  - {id: 1, platform: a, domain: c}\n"))
		assert.ErrorContains(t, err, "duplicate template id 1")
	})

	t.Run("Expect: LoadCatalog reads from disk", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "templates.yaml")
		require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

		catalog, err := LoadCatalog(path, logging.Discard())

		require.NoError(t, err)
		_, ok := catalog.Get(4)
		assert.True(t, ok)
	})
}

func TestCatalog_FindBest(t *testing.T) {
	m := buildMatcher(t)
	ctx := context.Background()

	t.Run("Expect: newest published version wins", func(t *testing.T) {
		tpl, err := m.FindBest(ctx, "shopee", "orders", "daily", "")

		require.NoError(t, err)
		require.NotNil(t, tpl)
		assert.Equal(t, int64(2), tpl.ID)
	})

	t.Run("Expect: granularity is never relaxed", func(t *testing.T) {
		tpl, err := m.FindBest(ctx, "shopee", "orders", "weekly", "")

		require.NoError(t, err)
		assert.Nil(t, tpl)
	})

	t.Run("Expect: services sub-domain does not fall back", func(t *testing.T) {
		tpl, err := m.FindBest(ctx, "tiktok", "services", "daily", "ai_assistant")

		require.NoError(t, err)
		assert.Nil(t, tpl)

		tpl, err = m.FindBest(ctx, "tiktok", "services", "daily", "agent")
		require.NoError(t, err)
		require.NotNil(t, tpl)
		assert.Equal(t, int64(4), tpl.ID)
	})

	t.Run("Expect: other domains fall back ignoring sub-domain", func(t *testing.T) {
		tpl, err := m.FindBest(ctx, "tiktok", "inventory", "snapshot", "other")

		require.NoError(t, err)
		require.NotNil(t, tpl)
		assert.Equal(t, int64(5), tpl.ID)
	})

	t.Run("Expect: Reload keeps the old set on error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("templates: nope"), 0o644))

		assert.Error(t, m.Reload(path))
		_, ok := m.Get(1)
		assert.True(t, ok)
	})
}

func TestCatalogMatcher_DetectHeaderChanges(t *testing.T) {
	m := buildMatcher(t)
	ctx := context.Background()

	t.Run("Expect: removed column reported", func(t *testing.T) {
		changes, err := m.DetectHeaderChanges(ctx, 5, []string{"sku", "qty"})

		require.NoError(t, err)
		assert.True(t, changes.Detected)
		assert.False(t, changes.IsExactMatch)
		assert.Equal(t, []string{"warehouse"}, changes.RemovedFields)
		assert.Empty(t, changes.AddedFields)
		assert.Equal(t, 66.7, changes.MatchRate)
	})

	t.Run("Expect: currency annotation differences ignored", func(t *testing.T) {
		changes, err := m.DetectHeaderChanges(ctx, 1, []string{"order_id", "order_date", "GMV (SGD)"})

		require.NoError(t, err)
		assert.False(t, changes.Detected)
		assert.True(t, changes.IsExactMatch)
		assert.Equal(t, 100.0, changes.MatchRate)
	})

	t.Run("Expect: reordering is a change", func(t *testing.T) {
		changes, err := m.DetectHeaderChanges(ctx, 4, []string{"date", "agent_id"})

		require.NoError(t, err)
		assert.True(t, changes.Detected)
		assert.Empty(t, changes.AddedFields)
		assert.Empty(t, changes.RemovedFields)
		assert.Equal(t, 100.0, changes.MatchRate)
	})

	t.Run("Expect: added column reported", func(t *testing.T) {
		changes, err := m.DetectHeaderChanges(ctx, 4, []string{"agent_id", "date", "score"})

		require.NoError(t, err)
		assert.Equal(t, []string{"score"}, changes.AddedFields)
	})

	t.Run("Expect: unknown template counts as changed", func(t *testing.T) {
		changes, err := m.DetectHeaderChanges(ctx, 99, []string{"a"})

		require.NoError(t, err)
		assert.True(t, changes.Detected)
		assert.Equal(t, []string{"a"}, changes.CurrentColumns)
	})
}

func TestCompare_NoColumns(t *testing.T) {
	changes := Compare(currency.NewExtractor(), nil, nil)

	assert.Equal(t, models.HeaderChanges{
		Detected:      false,
		AddedFields:   []string{},
		RemovedFields: []string{},
		MatchRate:     0,
		IsExactMatch:  true,
	}, changes)
}

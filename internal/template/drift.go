package template

import (
	"context"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/timberdayz/timber-dayz-sub007/internal/currency"
	"github.com/timberdayz/timber-dayz-sub007/internal/models"
)

// CatalogMatcher answers Matcher queries from a Catalog.
type CatalogMatcher struct {
	*Catalog
	currency *currency.Extractor
}

func NewCatalogMatcher(catalog *Catalog, extractor *currency.Extractor) *CatalogMatcher {
	return &CatalogMatcher{Catalog: catalog, currency: extractor}
}

// DetectHeaderChanges compares column names after stripping currency
// annotations. Any added, removed or reordered column is a change; there is
// no similarity threshold.
func (m *CatalogMatcher) DetectHeaderChanges(ctx context.Context, templateID int64, current []string) (models.HeaderChanges, error) {
	if err := ctx.Err(); err != nil {
		return models.HeaderChanges{}, err
	}

	t, ok := m.Get(templateID)
	if !ok {
		m.logger.WithField("template_id", templateID).Warn("Template not found, treating header as changed")
		return models.HeaderChanges{
			Detected:       true,
			AddedFields:    []string{},
			RemovedFields:  []string{},
			CurrentColumns: current,
		}, nil
	}

	changes := Compare(m.currency, t.HeaderColumns, current)
	if changes.Detected {
		m.logger.WithFields(logrus.Fields{
			"template_id": templateID,
			"added":       len(changes.AddedFields),
			"removed":     len(changes.RemovedFields),
			"match_rate":  changes.MatchRate,
		}).Warn("Header change detected")
	}
	return changes, nil
}

func Compare(extractor *currency.Extractor, templateColumns, current []string) models.HeaderChanges {
	normTemplate := extractor.NormalizeFieldList(templateColumns)
	normCurrent := extractor.NormalizeFieldList(current)

	templateSet := toSet(normTemplate)
	currentSet := toSet(normCurrent)

	added := difference(currentSet, templateSet)
	removed := difference(templateSet, currentSet)

	matched := 0
	for f := range currentSet {
		if templateSet[f] {
			matched++
		}
	}
	union := len(currentSet) + len(templateSet) - matched

	rate := 0.0
	if union > 0 {
		rate = math.Round(float64(matched)/float64(union)*1000) / 10
	}

	exact := len(added) == 0 && len(removed) == 0 && equal(normTemplate, normCurrent)

	return models.HeaderChanges{
		Detected:        !exact,
		AddedFields:     added,
		RemovedFields:   removed,
		MatchRate:       rate,
		IsExactMatch:    exact,
		TemplateColumns: templateColumns,
		CurrentColumns:  current,
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func difference(a, b map[string]bool) []string {
	out := []string{}
	for v := range a {
		if !b[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

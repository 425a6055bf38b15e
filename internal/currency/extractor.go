// Package currency pulls currency annotations out of spreadsheet column names.
package currency

import (
	"regexp"
	"sort"
	"strings"
)

var isoCodes = []string{
	"AED", "ARS", "AUD", "BDT", "BRL", "CAD", "CHF", "CLP", "CNY", "COP",
	"CZK", "DKK", "EGP", "EUR", "GBP", "HKD", "HUF", "IDR", "ILS", "INR",
	"JPY", "KES", "KRW", "KWD", "LKR", "MXN", "MYR", "NGN", "NOK", "NZD",
	"PEN", "PHP", "PKR", "PLN", "QAR", "RON", "RUB", "SAR", "SEK", "SGD",
	"THB", "TRY", "TWD", "UAH", "USD", "VND", "ZAR",
}

var symbolCodes = map[string]string{
	"R$":  "BRL",
	"S$":  "SGD",
	"US$": "USD",
	"HK$": "HKD",
	"NT$": "TWD",
	"RM":  "MYR",
	"Rp":  "IDR",
	"₱":   "PHP",
	"₫":   "VND",
	"฿":   "THB",
	"€":   "EUR",
	"£":   "GBP",
	"¥":   "CNY",
	"₩":   "KRW",
	"₹":   "INR",
}

var nameCodes = map[string]string{
	"巴西雷亚尔":   "BRL",
	"新加坡元":    "SGD",
	"马来西亚林吉特": "MYR",
	"林吉特":     "MYR",
	"菲律宾比索":   "PHP",
	"泰铢":      "THB",
	"越南盾":     "VND",
	"印尼盾":     "IDR",
	"人民币":     "CNY",
	"美元":      "USD",
	"欧元":      "EUR",
	"英镑":      "GBP",
}

// isoPatterns are tried in order; among all valid matches the leftmost wins.
var isoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\(([a-z]{3})\)$`),
	regexp.MustCompile(`(?i)\(([a-z]{3})\)`),
	regexp.MustCompile(`(?i)（([a-z]{3})）`),
	regexp.MustCompile(`(?i)_([a-z]{3})$`),
	regexp.MustCompile(`(?i)_([a-z]{3})_`),
	regexp.MustCompile(`(?i)-([a-z]{3})$`),
	regexp.MustCompile(`(?i)-([a-z]{3})-`),
	regexp.MustCompile(`(?i)\s+([a-z]{3})$`),
	regexp.MustCompile(`(?i)\s+([a-z]{3})\s+`),
}

type stripRule struct {
	re   *regexp.Regexp
	repl string
}

var (
	isoStripRules = []stripRule{
		{regexp.MustCompile(`(?i)\(([a-z]{3})\)`), ""},
		{regexp.MustCompile(`(?i)（([a-z]{3})）`), ""},
		{regexp.MustCompile(`(?i)_([a-z]{3})_`), "_"},
		{regexp.MustCompile(`(?i)_([a-z]{3})$`), ""},
		{regexp.MustCompile(`(?i)-([a-z]{3})-`), "-"},
		{regexp.MustCompile(`(?i)-([a-z]{3})$`), ""},
		{regexp.MustCompile(`(?i)\s+([a-z]{3})\s+`), " "},
		{regexp.MustCompile(`(?i)\s+([a-z]{3})$`), ""},
	}
	trailingSeparators = regexp.MustCompile(`[_\s\-()、，,]+$`)
	leadingSeparators  = regexp.MustCompile(`^[_\s\-()、，,]+`)
	repeatedSpaces     = regexp.MustCompile(`\s{2,}`)
	repeatedSeparators = regexp.MustCompile(`[_\-]{2,}`)
)

type Extractor struct {
	codes map[string]bool
	// symbols and names ordered longest first so "US$" wins over "$"-like prefixes
	symbols []string
	names   []string
}

func NewExtractor() *Extractor {
	e := &Extractor{codes: make(map[string]bool, len(isoCodes))}
	for _, c := range isoCodes {
		e.codes[c] = true
	}
	e.symbols = longestFirst(symbolCodes)
	e.names = longestFirst(nameCodes)
	return e
}

// ExtractCode returns the currency annotated in a single column name.
func (e *Extractor) ExtractCode(fieldName string) (string, bool) {
	if fieldName == "" {
		return "", false
	}

	best, bestPos := "", -1
	for _, re := range isoPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(fieldName, -1) {
			code := strings.ToUpper(fieldName[m[2]:m[3]])
			if !e.codes[code] {
				continue
			}
			if bestPos < 0 || m[0] < bestPos {
				best, bestPos = code, m[0]
			}
		}
	}
	if bestPos >= 0 {
		return best, true
	}

	for _, sym := range e.symbols {
		if symbolAnnotated(fieldName, sym) {
			return symbolCodes[sym], true
		}
	}

	for _, name := range e.names {
		if strings.Contains(fieldName, name) {
			return nameCodes[name], true
		}
	}

	return "", false
}

// NormalizeFieldName strips currency annotations and dangling separators.
func (e *Extractor) NormalizeFieldName(fieldName string) string {
	if fieldName == "" {
		return fieldName
	}

	normalized := fieldName
	for _, rule := range isoStripRules {
		normalized = rule.re.ReplaceAllStringFunc(normalized, func(match string) string {
			sub := rule.re.FindStringSubmatch(match)
			if len(sub) < 2 || !e.codes[strings.ToUpper(sub[1])] {
				return match
			}
			return rule.repl
		})
	}

	for _, sym := range e.symbols {
		normalized = stripToken(normalized, sym, isLetters(sym))
	}
	for _, name := range e.names {
		normalized = stripToken(normalized, name, false)
	}

	normalized = strings.TrimSpace(normalized)
	normalized = trailingSeparators.ReplaceAllString(normalized, "")
	normalized = leadingSeparators.ReplaceAllString(normalized, "")
	normalized = repeatedSpaces.ReplaceAllString(normalized, " ")
	normalized = repeatedSeparators.ReplaceAllStringFunc(normalized, func(s string) string {
		return s[:1]
	})

	if strings.Count(normalized, "（") > strings.Count(normalized, "）") {
		normalized += "）"
	}
	if strings.Count(normalized, "(") > strings.Count(normalized, ")") {
		normalized += ")"
	}

	if normalized == "" {
		return fieldName
	}
	return normalized
}

func (e *Extractor) NormalizeFieldList(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = e.NormalizeFieldName(f)
	}
	return out
}

// ExtractCurrency returns the first currency found among the row's original
// column names. It must be given names from before normalization.
func (e *Extractor) ExtractCurrency(row map[string]any, originalColumns []string) (string, bool) {
	columns := originalColumns
	if len(columns) == 0 {
		columns = make([]string, 0, len(row))
		for k := range row {
			columns = append(columns, k)
		}
		sort.Strings(columns)
	}

	for _, col := range columns {
		if code, ok := e.ExtractCode(col); ok {
			return code, true
		}
	}
	return "", false
}

func symbolAnnotated(fieldName, sym string) bool {
	if strings.Contains(fieldName, "("+sym+")") || strings.Contains(fieldName, "（"+sym+"）") {
		return true
	}
	if !strings.HasSuffix(fieldName, sym) {
		return false
	}
	if !isLetters(sym) {
		return true
	}
	// letter symbols like RM only count after a separator, "FORM" is not ringgit
	rest := strings.TrimSuffix(fieldName, sym)
	return rest == "" || strings.ContainsAny(rest[len(rest)-1:], " _-")
}

func stripToken(s, token string, needsSeparator bool) string {
	s = strings.ReplaceAll(s, "("+token+")", "")
	s = strings.ReplaceAll(s, "（"+token+"）", "")
	for _, sep := range []string{"_", "-", " "} {
		s = strings.ReplaceAll(s, sep+token+sep, sep)
	}
	if strings.HasSuffix(s, token) {
		rest := strings.TrimSuffix(s, token)
		if !needsSeparator || rest == "" || strings.ContainsAny(rest[len(rest)-1:], " _-") {
			s = rest
		}
	}
	return s
}

func isLetters(s string) bool {
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z') {
			return false
		}
	}
	return s != ""
}

func longestFirst(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

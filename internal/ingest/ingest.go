// Package ingest reads lead lists from CSV and XLSX files into records.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Result is a parsed lead list.
type Result struct {
	Records []model.Record
	// Columns maps each header to the record attribute it populated.
	Columns map[string]string
	// Skipped counts data rows with no values.
	Skipped int
}

// identity columns and their accepted header spellings.
var aliases = map[string]string{
	"profile_url":     "profile_url",
	"linkedin_url":    "profile_url",
	"linkedin":        "profile_url",
	"person_linkedin": "profile_url",
	"organization_id": "organization_id",
	"org_id":          "organization_id",
	"company_id":      "organization_id",
	"first_name":      "first_name",
	"firstname":       "first_name",
	"last_name":       "last_name",
	"lastname":        "last_name",
	"title":           "title",
	"job_title":       "title",
	"company_name":    "company_name",
	"company":         "company_name",
	"organization":    "company_name",
	"domain":          "domain",
	"website":         "domain",
	"company_domain":  "domain",
}

// Read loads records from path, choosing the parser by extension.
func Read(ctx context.Context, path string) (*Result, error) {
	var (
		res *Result
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		res, err = readDelimited(ctx, path, ',')
	case ".tsv":
		res, err = readDelimited(ctx, path, '\t')
	case ".xlsx":
		res, err = ReadXLSX(path, XLSXOptions{})
	default:
		return nil, eris.Errorf("ingest: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read %s", path)
	}

	zap.L().Info("ingest: loaded lead list",
		zap.String("path", path),
		zap.Int("records", len(res.Records)),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func readDelimited(ctx context.Context, path string, delim rune) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open file")
	}
	defer f.Close() //nolint:errcheck
	return ReadCSV(ctx, f, CSVOptions{Delimiter: delim, LazyQuotes: true})
}

// FromRows maps a header and data rows to records. Known identity headers
// populate the record's identifying inputs; every other non-empty cell
// becomes an enrichment field keyed by its normalized header.
func FromRows(header []string, rows [][]string) *Result {
	keys := make([]string, len(header))
	res := &Result{Columns: make(map[string]string, len(header))}
	for i, h := range header {
		k := normalizeHeader(h)
		if k == "" {
			continue
		}
		keys[i] = k
		if attr, ok := aliases[k]; ok {
			res.Columns[h] = attr
		} else {
			res.Columns[h] = "fields." + k
		}
	}

	for _, row := range rows {
		rec, ok := toRecord(keys, row)
		if !ok {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

func toRecord(keys, row []string) (model.Record, bool) {
	var rec model.Record
	found := false
	for i, v := range row {
		if i >= len(keys) || keys[i] == "" {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		found = true
		switch aliases[keys[i]] {
		case "profile_url":
			rec.ProfileURL = v
		case "organization_id":
			rec.OrganizationID = v
		case "first_name":
			rec.FirstName = v
		case "last_name":
			rec.LastName = v
		case "title":
			rec.Title = v
		case "company_name":
			rec.CompanyName = v
		case "domain":
			rec.Domain = domainOf(v)
		default:
			rec.Set(keys[i], v)
		}
	}
	return rec, found
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	h = strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(h)
	return strings.Trim(h, "_")
}

// domainOf reduces a website value to its bare host.
func domainOf(v string) string {
	v = strings.ToLower(v)
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	v = strings.TrimPrefix(v, "www.")
	if i := strings.IndexAny(v, "/?#"); i >= 0 {
		v = v[:i]
	}
	return v
}

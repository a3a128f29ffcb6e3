// Package reader fetches and decodes tabular sources for the harvester.
package reader

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/relieftools/harvester/internal/framework"
	"github.com/relieftools/harvester/internal/metrics"
)

// Reader fetches dataset tables over HTTP or from the local filesystem and
// decodes them by configured format.
type Reader struct {
	client *resty.Client
	logger *zap.Logger
}

// Option customises a Reader.
type Option func(*Reader)

// WithUserAgent sets the HTTP user agent.
func WithUserAgent(ua string) Option {
	return func(r *Reader) { r.client.SetHeader("User-Agent", ua) }
}

// WithTimeout bounds each fetch.
func WithTimeout(d time.Duration) Option {
	return func(r *Reader) { r.client.SetTimeout(d) }
}

// WithBasicAuth authenticates fetches, used for protected sources.
func WithBasicAuth(username, password string) Option {
	return func(r *Reader) { r.client.SetBasicAuth(username, password) }
}

// New builds a Reader with retrying HTTP transport.
func New(logger *zap.Logger, opts ...Option) *Reader {
	client := resty.New().
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetTimeout(60 * time.Second)
	r := &Reader{client: client, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadTable fetches and decodes one dataset's table.
func (r *Reader) ReadTable(def *framework.Definition) (*framework.Table, error) {
	start := time.Now()
	format := strings.ToLower(def.Format)
	if format == "" {
		format = "csv"
	}
	raw, err := r.fetch(def.URL)
	if err != nil {
		metrics.ObserveFetch(format, "error", time.Since(start))
		return nil, err
	}
	var table *framework.Table
	switch format {
	case "csv":
		table, err = decodeCSV(raw, def)
	case "json":
		table, err = decodeJSON(raw)
	case "xlsx", "xls":
		table, err = decodeXLSX(raw, def)
	default:
		err = fmt.Errorf("unsupported format %q", def.Format)
	}
	if err != nil {
		metrics.ObserveFetch(format, "error", time.Since(start))
		return nil, err
	}
	metrics.ObserveFetch(format, "ok", time.Since(start))
	r.logger.Debug("read table",
		zap.String("dataset", def.Name),
		zap.String("format", format),
		zap.Int("rows", len(table.Rows)))
	return table, nil
}

// fetch retrieves bytes from an http(s) URL or a local path.
func (r *Reader) fetch(url string) ([]byte, error) {
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		resp, err := r.client.R().Get(url)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("fetch %s: status %s", url, resp.Status())
		}
		return resp.Body(), nil
	case strings.HasPrefix(url, "file://"):
		url = strings.TrimPrefix(url, "file://")
		fallthrough
	default:
		raw, err := os.ReadFile(url)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", url, err)
		}
		return raw, nil
	}
}

// ReadAllowList fetches an external filter file and extracts, for each
// configured hashtag, the country codes allowed for the column it names.
// Keys are hashtags when useHXL, otherwise the file's header names.
func (r *Reader) ReadAllowList(filter *framework.ExternalFilter, useHXL bool) (map[string][]string, error) {
	raw, err := r.fetch(filter.URL)
	if err != nil {
		return nil, err
	}
	table, err := decodeCSV(raw, &framework.Definition{UseHXL: true})
	if err != nil {
		return nil, err
	}
	countryHeader := ""
	headerForTag := make(map[string]string, len(table.HXLRow))
	for header, tag := range table.HXLRow {
		headerForTag[tag] = header
		if tag == "#country+code" {
			countryHeader = header
		}
	}
	if countryHeader == "" {
		return nil, fmt.Errorf("external filter %s: no #country+code column", filter.URL)
	}
	allow := make(map[string][]string, len(filter.HXLTags))
	for _, tag := range filter.HXLTags {
		header, ok := headerForTag[tag]
		if !ok {
			continue
		}
		key := tag
		if !useHXL {
			key = header
		}
		for _, row := range table.Rows {
			code := strings.TrimSpace(toCell(row[countryHeader]))
			if code == "" {
				continue
			}
			if toCell(row[header]) != "" {
				allow[key] = append(allow[key], code)
			}
		}
	}
	return allow, nil
}

func decodeCSV(raw []byte, def *framework.Definition) (*framework.Table, error) {
	cr := csv.NewReader(bytes.NewReader(raw))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv: %w", err)
	}
	return tableFromRecords(records, def)
}

func decodeXLSX(raw []byte, def *framework.Definition) (*framework.Table, error) {
	book, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer book.Close()
	sheet := def.Sheet
	if sheet == "" {
		sheet = book.GetSheetName(0)
	}
	records, err := book.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return tableFromRecords(records, def)
}

// tableFromRecords applies the configured header row, an optional HXL
// hashtag row directly after it, and turns the remainder into row maps.
func tableFromRecords(records [][]string, def *framework.Definition) (*framework.Table, error) {
	headerIdx := def.HeaderRow - 1
	if headerIdx < 0 {
		headerIdx = 0
	}
	if headerIdx >= len(records) {
		return nil, fmt.Errorf("header row %d beyond end of data", def.HeaderRow)
	}
	headers := records[headerIdx]
	next := headerIdx + 1
	table := &framework.Table{Headers: headers}
	if def.UseHXL {
		for next < len(records) && rowEmpty(records[next]) {
			next++
		}
		if next >= len(records) {
			return nil, fmt.Errorf("no HXL hashtag row found")
		}
		table.HXLRow = make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(records[next]) {
				table.HXLRow[header] = strings.TrimSpace(records[next][i])
			}
		}
		next++
	}
	for _, record := range records[next:] {
		if rowEmpty(record) {
			continue
		}
		row := make(map[string]any, len(headers))
		for i, header := range headers {
			if i < len(record) {
				row[header] = record[i]
			} else {
				row[header] = ""
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func rowEmpty(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// decodeJSON accepts an array of objects, or an object whose single array
// valued field holds the rows. Header order follows the first row's keys
// sorted, since JSON objects carry no column order.
func decodeJSON(raw []byte) (*framework.Table, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		var wrapper map[string]json.RawMessage
		if werr := json.Unmarshal(raw, &wrapper); werr != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		for _, rawField := range wrapper {
			var candidate []map[string]any
			if json.Unmarshal(rawField, &candidate) == nil && len(candidate) > 0 {
				rows = candidate
				break
			}
		}
		if rows == nil {
			return nil, fmt.Errorf("decode json: no array of rows found")
		}
	}
	table := &framework.Table{}
	if len(rows) > 0 {
		headers := make([]string, 0, len(rows[0]))
		for key := range rows[0] {
			headers = append(headers, key)
		}
		sort.Strings(headers)
		table.Headers = headers
	}
	table.Rows = rows
	return table, nil
}

func toCell(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

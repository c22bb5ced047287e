package ingest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"scanguard/internal/model"
	"scanguard/internal/normalize"
)

// ReadFile loads inventory records from a CSV, line-oriented or JSON scan
// file. A missing file is reported through found=false; rows that cannot be
// normalized are skipped and logged.
func ReadFile(path string, parser *Parser, logger *slog.Logger) ([]model.InventoryRecord, bool, error) {
	if parser == nil {
		parser = NewParser()
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open inventory %s: %w", path, err)
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, true, fmt.Errorf("read inventory %s: %w", path, err)
		}
		rows, err := ParseDocument(data)
		if err != nil {
			return nil, true, fmt.Errorf("parse scan document %s: %w", path, err)
		}
		return NormalizeRows(rows, logger), true, nil
	}

	var rows []*normalize.RecordFields
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields, err := parser.ParseLine(scanner.Text())
		if err != nil {
			if logger != nil {
				logger.Warn("skipping unparseable inventory line", "path", path, "line", lineNo, "err", err)
			}
			continue
		}
		if fields != nil {
			rows = append(rows, fields)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, true, fmt.Errorf("read inventory %s: %w", path, err)
	}
	return NormalizeRows(rows, logger), true, nil
}

// NormalizeRows validates parsed rows, dropping (and logging) the ones that
// cannot become records.
func NormalizeRows(rows []*normalize.RecordFields, logger *slog.Logger) []model.InventoryRecord {
	out := make([]model.InventoryRecord, 0, len(rows))
	for _, fields := range rows {
		rec, err := normalize.Normalize(*fields)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping malformed inventory row", "ip", fields.IP, "err", err)
			}
			continue
		}
		out = append(out, rec)
	}
	return out
}

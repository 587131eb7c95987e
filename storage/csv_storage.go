package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/parser"
)

const (
	ModeAppend    = "append"
	ModeOverwrite = "overwrite"
)

// CSVStorage 实现了 Storage 接口，使用 CSV 文件进行持久化。
type CSVStorage struct {
	filePath string
	mode     string
	fields   []string
	mu       sync.RWMutex
}

var _ Storage = (*CSVStorage)(nil)

// NewCSVStorage 创建一个新的 CSVStorage 实例。fields 为空时表头由已有文件或首条记录推断。
func NewCSVStorage(filePath, mode string, fields ...string) (*CSVStorage, error) {
	if filePath == "" {
		return nil, errors.New("csv storage: file path is empty")
	}
	switch mode {
	case "":
		mode = ModeAppend
	case ModeAppend, ModeOverwrite:
	default:
		return nil, fmt.Errorf("csv storage: unknown mode %q", mode)
	}
	return &CSVStorage{
		filePath: filePath,
		mode:     mode,
		fields:   append([]string(nil), fields...),
	}, nil
}

// Save 把 records 写入文件。append 模式下若文件已有表头, 沿用该表头。
func (s *CSVStorage) Save(ctx context.Context, records []parser.Record) error {
	if len(records) == 0 {
		return ErrNoRecords
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l := logger.WithComponent("Storage/CSV")

	var existing []string
	if s.mode == ModeAppend {
		h, err := s.readHeader()
		if err != nil {
			return err
		}
		existing = h
	}

	header := s.fields
	writeHeader := true
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if len(existing) > 0 {
		if len(header) > 0 && !equalFields(header, existing) {
			l.Warn().Strs("configured", header).Strs("existing", existing).Msg("Configured fields differ from file header, keeping file header.")
		}
		header = existing
		writeHeader = false
		flags = os.O_WRONLY | os.O_APPEND
	}
	if len(header) == 0 {
		header = sortedKeys(records[0])
	}

	file, err := os.OpenFile(s.filePath, flags, 0644)
	if err != nil {
		return fmt.Errorf("csv storage: open %s: %w", s.filePath, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if writeHeader {
		if err := w.Write(header); err != nil {
			return err
		}
	}
	row := make([]string, len(header))
	for _, r := range records {
		for i, col := range header {
			row[i] = r[col]
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv storage: write %s: %w", s.filePath, err)
	}

	l.Info().Int("count", len(records)).Str("path", s.filePath).Str("mode", s.mode).Msg("Successfully saved records to file.")
	return nil
}

// Load 读取文件中满足 c 的记录。文件不存在时返回空结果。
func (s *CSVStorage) Load(ctx context.Context, c Criteria) ([]parser.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	l := logger.WithComponent("Storage/CSV")

	file, err := os.Open(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", s.filePath).Msg("Record file not found, nothing to load.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv storage: read header: %w", err)
	}

	var out []parser.Record
	line := 1
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			l.Warn().Int("line", line).Err(err).Msg("Skipping malformed line in record file.")
			continue
		}
		rec := make(parser.Record, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		if !c.Match(rec) {
			continue
		}
		out = append(out, rec)
		if c.Limit > 0 && len(out) >= c.Limit {
			break
		}
	}

	l.Debug().Int("count", len(out)).Str("path", s.filePath).Msg("Loaded records from file.")
	return out, nil
}

// readHeader returns the header of an existing non-empty file, or nil.
func (s *CSVStorage) readHeader() ([]string, error) {
	file, err := os.Open(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("csv storage: read header: %w", err)
	}
	return header, nil
}

func sortedKeys(r parser.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalFields(a, b []string) bool {
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

package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	pebblepkg "github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/parser"
	"proxyfetch/storage"
)

// rec/<unix-nanos, 补零到 20 位>/<uuid>, 字典序即写入顺序。
const keyRecordPrefix = "rec/"

func keyRecord(ts time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", keyRecordPrefix, ts.UnixNano(), id))
}

// keyRecordBounds 覆盖整个 rec/ 前缀, '0' 是 '/' 的下一个字节。
func keyRecordBounds() (lower, upper []byte) {
	return []byte(keyRecordPrefix), []byte("rec0")
}

// Store 把记录以 JSON 形式保存在 Pebble 中。
type Store struct {
	db  *pebblepkg.DB
	dir string
	now func() time.Time
}

var _ storage.Storage = (*Store)(nil)

// Open opens (or creates) a Pebble DB in dir.
func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("pebble dir is empty")
	}
	dir = filepath.Clean(dir)
	db, err := pebblepkg.Open(dir, &pebblepkg.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db, dir: dir, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save 在一个 batch 中写入所有记录。
func (s *Store) Save(ctx context.Context, records []parser.Record) error {
	if len(records) == 0 {
		return storage.ErrNoRecords
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	ts := s.now()
	for i, r := range records {
		v, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		// 同一批次内按序号递增时间戳, 保持输入顺序
		if err := b.Set(keyRecord(ts.Add(time.Duration(i)), uuid.New()), v, nil); err != nil {
			return fmt.Errorf("batch set: %w", err)
		}
	}
	if err := b.Commit(pebblepkg.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	l := logger.WithComponent("Storage/Pebble")
	l.Info().Int("count", len(records)).Str("dir", s.dir).Msg("Successfully saved records.")
	return nil
}

// Load 按写入顺序遍历记录。
func (s *Store) Load(ctx context.Context, c storage.Criteria) ([]parser.Record, error) {
	lower, upper := keyRecordBounds()
	iter, err := s.db.NewIter(&pebblepkg.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("new iter: %w", err)
	}
	defer iter.Close()

	var out []parser.Record
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var r parser.Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			l := logger.WithComponent("Storage/Pebble")
			l.Warn().Err(err).Bytes("key", iter.Key()).Msg("Skipping undecodable record.")
			continue
		}
		if !c.Match(r) {
			continue
		}
		out = append(out, r)
		if c.Limit > 0 && len(out) >= c.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

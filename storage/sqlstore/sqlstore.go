package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/parser"
	"proxyfetch/storage"
)

type recordRow struct {
	bun.BaseModel `bun:"table:scraped_records"`

	ID        int64             `bun:"id,pk,autoincrement"`
	Data      map[string]string `bun:"data,type:jsonb,notnull"`
	CreatedAt time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// Store 把记录保存在 Postgres 的 scraped_records 表中。
type Store struct {
	*bun.DB
}

var _ storage.Storage = (*Store)(nil)

// Open 连接 dsn 指定的数据库并建表。
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{db}
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the records table if it doesn't exist
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.NewCreateTable().
		Model((*recordRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, records []parser.Record) error {
	if len(records) == 0 {
		return storage.ErrNoRecords
	}
	rows := make([]recordRow, len(records))
	for i, r := range records {
		rows[i] = recordRow{Data: r}
	}
	if _, err := s.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting records: %w", err)
	}

	l := logger.WithComponent("Storage/SQL")
	l.Info().Int("count", len(rows)).Msg("Successfully saved records.")
	return nil
}

func (s *Store) Load(ctx context.Context, c storage.Criteria) ([]parser.Record, error) {
	var rows []recordRow
	q := s.NewSelect().Model(&rows).Order("id ASC")
	if len(c.Fields) > 0 {
		filter, err := json.Marshal(c.Fields)
		if err != nil {
			return nil, fmt.Errorf("encode criteria: %w", err)
		}
		q = q.Where("data @> ?::jsonb", string(filter))
	}
	if c.Limit > 0 {
		q = q.Limit(c.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("error loading records: %w", err)
	}

	out := make([]parser.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, parser.Record(r.Data))
	}
	return out, nil
}

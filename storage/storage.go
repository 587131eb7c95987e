package storage

import (
	"context"
	"errors"

	"proxyfetch/parser"
)

// ErrNoRecords is returned by Save when there is nothing to write.
var ErrNoRecords = errors.New("storage: no records to save")

// Criteria 是 Load 的过滤条件: Fields 中的每个键值都必须精确匹配, Limit <= 0 表示不限。
type Criteria struct {
	Fields map[string]string
	Limit  int
}

// Match reports whether r satisfies every field in c.
func (c Criteria) Match(r parser.Record) bool {
	for k, v := range c.Fields {
		if got, ok := r[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Storage 接口定义了解析结果持久化的行为。
type Storage interface {
	Save(ctx context.Context, records []parser.Record) error
	Load(ctx context.Context, c Criteria) ([]parser.Record, error)
}

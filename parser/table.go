package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// TableParser 把 HTML 表格的每一行转换成一条记录。
//
// Columns 为空时, 列名取自表格中的 <th> 文本; 仍然没有列名时使用 col0, col1...
// SourceField 非空时, 每条记录都会带上来源 URL。
type TableParser struct {
	RowSelector string
	Columns     []string
	SourceField string
}

// NewTableParser returns a parser for rows matched by rowSelector.
// An empty selector matches "table tr".
func NewTableParser(rowSelector string, columns ...string) *TableParser {
	if rowSelector == "" {
		rowSelector = "table tr"
	}
	return &TableParser{RowSelector: rowSelector, Columns: columns}
}

func (p *TableParser) Parse(html, sourceURL string) ([]Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML document: %w", err)
	}

	var columns []string
	if len(p.Columns) > 0 {
		columns = p.Columns
	} else {
		doc.Find("th").Each(func(_ int, th *goquery.Selection) {
			columns = append(columns, strings.TrimSpace(th.Text()))
		})
	}

	var records []Record
	doc.Find(p.RowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() == 0 {
			// 表头行
			return
		}
		rec := make(Record, cells.Length()+1)
		cells.Each(func(i int, td *goquery.Selection) {
			rec[columnName(columns, i)] = strings.TrimSpace(td.Text())
		})
		if p.SourceField != "" {
			rec[p.SourceField] = sourceURL
		}
		records = append(records, rec)
	})
	return records, nil
}

func columnName(columns []string, i int) string {
	if i < len(columns) && columns[i] != "" {
		return columns[i]
	}
	return "col" + strconv.Itoa(i)
}

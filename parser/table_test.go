package parser

import (
	"errors"
	"testing"
)

func TestTableParser_HeaderColumns(t *testing.T) {
	html := `<table>
<tr><th>Name</th><th>Price</th></tr>
<tr><td> Apple </td><td>1.20</td></tr>
<tr><td>Pear</td><td>0.80</td><td>extra</td></tr>
</table>`
	p := NewTableParser("")
	p.SourceField = "source_url"

	recs, err := p.Parse(html, "http://shop/")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0]["Name"] != "Apple" || recs[0]["Price"] != "1.20" || recs[0]["source_url"] != "http://shop/" {
		t.Errorf("unexpected first record %v", recs[0])
	}
	if recs[1]["col2"] != "extra" {
		t.Errorf("cells without a header should be named by index, got %v", recs[1])
	}
}

func TestTableParser_ExplicitColumns(t *testing.T) {
	html := `<div class="list"><table><tbody>
<tr class="item"><td>a</td><td>b</td></tr>
<tr class="ad"><td>skip</td></tr>
</tbody></table></div>`
	p := NewTableParser("tr.item", "first", "second")

	recs, err := p.Parse(html, "http://x/")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(recs) != 1 || recs[0]["first"] != "a" || recs[0]["second"] != "b" {
		t.Errorf("unexpected records %v", recs)
	}
	if _, ok := recs[0]["source_url"]; ok {
		t.Error("source field should be absent unless configured")
	}
}

func TestTableParser_NoTable(t *testing.T) {
	recs, err := NewTableParser("").Parse("<p>nothing here</p>", "http://x/")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no records, got %v", recs)
	}
}

func TestFunc(t *testing.T) {
	want := errors.New("nope")
	var p Parser = Func(func(html, sourceURL string) ([]Record, error) {
		if html == "" {
			return nil, want
		}
		return []Record{{"src": sourceURL}}, nil
	})
	if _, err := p.Parse("", "u"); !errors.Is(err, want) {
		t.Errorf("expected the wrapped function's error, got %v", err)
	}
	recs, _ := p.Parse("x", "u")
	if len(recs) != 1 || recs[0]["src"] != "u" {
		t.Errorf("unexpected records %v", recs)
	}
}

func TestTableParser_InferredColumnsDoNotShareBackingArray(t *testing.T) {
	html := `<table>
<tr><th>Name</th><th>Price</th></tr>
<tr><td>Apple</td><td>1.20</td></tr>
</table>`
	backing := make([]string, 0, 4)
	p := &TableParser{RowSelector: "table tr", Columns: backing}

	recs, err := p.Parse(html, "http://shop/")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(recs) != 1 || recs[0]["Name"] != "Apple" {
		t.Fatalf("unexpected records %+v", recs)
	}
	if got := backing[:cap(backing)]; got[0] != "" || got[1] != "" {
		t.Errorf("Parse wrote into the caller's Columns array: %q", got)
	}
}

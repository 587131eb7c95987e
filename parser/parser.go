package parser

// Record 是解析器产出的一条结构化记录。
type Record map[string]string

// Parser 把页面文本转换成记录。返回空切片是合法的。
type Parser interface {
	Parse(html, sourceURL string) ([]Record, error)
}

// Func adapts an ordinary function to Parser.
type Func func(html, sourceURL string) ([]Record, error)

func (f Func) Parse(html, sourceURL string) ([]Record, error) {
	return f(html, sourceURL)
}

// Package chunker 将长文本按固定窗口大小与重叠量切分为片段。
package chunker

import "portal-rag-go/internal/apperr"

// Span 是原文中的一个片段，Start/End 为字符（rune）偏移，区间左闭右开。
type Span struct {
	Start int
	End   int
	Text  string
}

// Split 以长度为 size 的窗口、步长 size-overlap 在文本上滑动切分。
// 窗口起点到达文本末尾即停止；最后一个片段允许短于 size。
// 空文本返回零个片段，不视为错误。纯函数，无副作用。
func Split(text string, size, overlap int) ([]Span, error) {
	if size <= 0 {
		return nil, &apperr.ConfigError{Field: "chunk_size", Reason: "必须大于 0"}
	}
	if overlap < 0 || overlap >= size {
		return nil, &apperr.ConfigError{Field: "chunk_overlap", Reason: "必须满足 0 <= overlap < size"}
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	step := size - overlap
	var spans []Span
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		spans = append(spans, Span{
			Start: start,
			End:   end,
			Text:  string(runes[start:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return spans, nil
}

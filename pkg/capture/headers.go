package capture

import "strings"

// Header 单个请求/响应头（保留原始大小写）
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers 有序的多值头集合，允许同名重复且保持插入顺序
type Headers []Header

// Get 返回第一个匹配头的值（大小写不敏感），不存在时返回空串
func (h Headers) Get(name string) string {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value
		}
	}
	return ""
}

// Has 判断是否存在指定头
func (h Headers) Has(name string) bool {
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			return true
		}
	}
	return false
}

// Values 返回所有同名头的值，保持原始顺序
func (h Headers) Values(name string) []string {
	var vals []string
	for i := range h {
		if strings.EqualFold(h[i].Name, name) {
			vals = append(vals, h[i].Value)
		}
	}
	return vals
}

// Add 追加一个头
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set 替换第一个同名头的值并删除其余同名头；不存在时追加
func (h *Headers) Set(name, value string) {
	out := (*h)[:0]
	replaced := false
	for _, hd := range *h {
		if strings.EqualFold(hd.Name, name) {
			if !replaced {
				hd.Value = value
				replaced = true
				out = append(out, hd)
			}
			continue
		}
		out = append(out, hd)
	}
	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}
	*h = out
}

// Del 删除所有同名头
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, hd := range *h {
		if !strings.EqualFold(hd.Name, name) {
			out = append(out, hd)
		}
	}
	*h = out
}

// Clone 返回头集合的深拷贝
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

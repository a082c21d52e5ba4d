// Package modifier 实现对经过代理的请求/响应的规则化改写与范围过滤
package modifier

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"mitmcap/internal/logger"
	"mitmcap/pkg/capture"
)

const responsePrefix = "response:"

// HeaderRule 头覆盖规则，Pattern 为空时全局生效；值为 nil 表示删除该头。
// 以 "response:" 为前缀的头名只作用于响应路径。
type HeaderRule struct {
	Pattern string
	Headers map[string]*string
}

// ParamRule 参数覆盖规则，GET 类请求作用于查询串，
// 表单/JSON POST 作用于请求体；值为 nil 表示删除该参数。
type ParamRule struct {
	Pattern string
	Params  map[string]*string
}

// QuerystringRule 查询串整体替换规则，空串表示移除查询串
type QuerystringRule struct {
	Pattern string
	Value   string
}

// RewriteRule URL 重写规则，首条命中生效
type RewriteRule struct {
	Pattern     string
	Replacement string
}

type compiledHeaderRule struct {
	re      *regexp.Regexp // nil 表示全局
	headers map[string]*string
}

type compiledParamRule struct {
	re     *regexp.Regexp
	params map[string]*string
}

type compiledQSRule struct {
	re    *regexp.Regexp
	value string
}

type compiledRewrite struct {
	re   *regexp.Regexp
	repl string
}

type ruleSet struct {
	headers       []compiledHeaderRule
	params        []compiledParamRule
	querystring   []compiledQSRule
	rewrites      []compiledRewrite
	scopes        []*regexp.Regexp
	ignoreMethods map[string]struct{}
}

// Modifier 规则引擎。规则集以整体替换的方式更新，
// 读取方拿到的永远是完整的一代规则。
type Modifier struct {
	mu  sync.RWMutex
	rs  *ruleSet
	log logger.Logger
}

// New 创建规则引擎
func New(log logger.Logger) *Modifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &Modifier{
		rs:  &ruleSet{ignoreMethods: methodSet([]string{"OPTIONS"})},
		log: log,
	}
}

func (m *Modifier) snapshot() *ruleSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rs
}

// SetHeaderRules 替换头覆盖规则集
func (m *Modifier) SetHeaderRules(rules []HeaderRule) error {
	compiled := make([]compiledHeaderRule, 0, len(rules))
	for _, r := range rules {
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return err
		}
		compiled = append(compiled, compiledHeaderRule{re: re, headers: r.Headers})
	}
	m.update(func(rs *ruleSet) { rs.headers = compiled })
	return nil
}

// SetParamRules 替换参数覆盖规则集
func (m *Modifier) SetParamRules(rules []ParamRule) error {
	compiled := make([]compiledParamRule, 0, len(rules))
	for _, r := range rules {
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return err
		}
		compiled = append(compiled, compiledParamRule{re: re, params: r.Params})
	}
	m.update(func(rs *ruleSet) { rs.params = compiled })
	return nil
}

// SetQuerystringRules 替换查询串覆盖规则集
func (m *Modifier) SetQuerystringRules(rules []QuerystringRule) error {
	compiled := make([]compiledQSRule, 0, len(rules))
	for _, r := range rules {
		re, err := compilePattern(r.Pattern)
		if err != nil {
			return err
		}
		compiled = append(compiled, compiledQSRule{re: re, value: r.Value})
	}
	m.update(func(rs *ruleSet) { rs.querystring = compiled })
	return nil
}

// SetRewriteRules 替换 URL 重写规则集
func (m *Modifier) SetRewriteRules(rules []RewriteRule) error {
	compiled := make([]compiledRewrite, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return err
		}
		compiled = append(compiled, compiledRewrite{re: re, repl: r.Replacement})
	}
	m.update(func(rs *ruleSet) { rs.rewrites = compiled })
	return nil
}

// SetScopes 设置捕获范围，空列表表示全部在范围内
func (m *Modifier) SetScopes(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, re)
	}
	m.update(func(rs *ruleSet) { rs.scopes = compiled })
	return nil
}

// SetIgnoreMethods 设置不进入捕获范围的方法集
func (m *Modifier) SetIgnoreMethods(methods []string) {
	set := methodSet(methods)
	m.update(func(rs *ruleSet) { rs.ignoreMethods = set })
}

// InScope 判断请求是否在捕获范围内。范围只决定是否捕获，不决定是否改写。
func (m *Modifier) InScope(method, rawurl string) bool {
	rs := m.snapshot()
	if _, ok := rs.ignoreMethods[strings.ToUpper(method)]; ok {
		return false
	}
	if len(rs.scopes) == 0 {
		return true
	}
	for _, re := range rs.scopes {
		if re.FindStringIndex(rawurl) != nil {
			return true
		}
	}
	return false
}

// ModifyRequest 按当前规则集改写请求，规则错误只做尽力而为，从不中断交换
func (m *Modifier) ModifyRequest(req *capture.Request) {
	rs := m.snapshot()

	ov := newOverrides()
	for _, r := range rs.headers {
		if r.re == nil || r.re.FindStringIndex(req.URL) != nil {
			ov.merge(r.headers)
		}
	}
	applyHeaderOverrides(&req.Headers, ov, false)

	m.modifyParams(rs, req)
	m.modifyQuerystring(rs, req)
	m.rewriteURL(rs, req)
}

// ModifyResponse 应用 response: 前缀的头覆盖规则，按请求 URL 匹配
func (m *Modifier) ModifyResponse(resp *capture.Response, req *capture.Request) {
	rs := m.snapshot()

	ov := newOverrides()
	for _, r := range rs.headers {
		if r.re == nil || r.re.FindStringIndex(req.URL) != nil {
			ov.merge(r.headers)
		}
	}
	applyHeaderOverrides(&resp.Headers, ov, true)
}

func (m *Modifier) modifyParams(rs *ruleSet, req *capture.Request) {
	ov := newOverrides()
	for _, r := range rs.params {
		if r.re == nil || r.re.FindStringIndex(req.URL) != nil {
			ov.merge(r.params)
		}
	}
	if len(ov.keys) == 0 {
		return
	}

	contentType := req.Headers.Get("Content-Type")
	isForm := strings.HasPrefix(contentType, "application/x-www-form-urlencoded")
	isJSON := strings.HasPrefix(contentType, "application/json")

	switch {
	case req.Method == "POST" && isForm:
		values, err := url.ParseQuery(string(req.Body))
		if err != nil {
			m.log.Warn("表单体无法解析，参数规则未应用", "url", req.URL)
			return
		}
		applyParamOverrides(values, ov)
		req.Body = []byte(values.Encode())
		req.Headers.Set("Content-Length", strconv.Itoa(len(req.Body)))
	case req.Method == "POST" && isJSON:
		body := req.Body
		for _, k := range ov.keys {
			v := ov.vals[k]
			name := ov.names[k]
			var err error
			if v == nil {
				if gjson.GetBytes(body, name).Exists() {
					body, err = sjson.DeleteBytes(body, name)
				}
			} else {
				body, err = sjson.SetBytes(body, name, *v)
			}
			if err != nil {
				m.log.Warn("JSON参数覆盖失败", "param", name, "error", err)
			}
		}
		req.Body = body
		req.Headers.Set("Content-Length", strconv.Itoa(len(req.Body)))
	default:
		values, err := url.ParseQuery(req.QueryString())
		if err != nil {
			m.log.Warn("查询串无法解析，参数规则未应用", "url", req.URL)
			return
		}
		applyParamOverrides(values, ov)
		req.SetQueryString(values.Encode())
	}
}

func (m *Modifier) modifyQuerystring(rs *ruleSet, req *capture.Request) {
	for _, r := range rs.querystring {
		if r.re == nil || r.re.FindStringIndex(req.URL) != nil {
			req.SetQueryString(r.value)
			return
		}
	}
}

func (m *Modifier) rewriteURL(rs *ruleSet, req *capture.Request) {
	if len(rs.rewrites) == 0 {
		return
	}

	originalHost := req.Host()

	for _, r := range rs.rewrites {
		if r.re.MatchString(req.URL) {
			req.URL = r.re.ReplaceAllString(req.URL, r.repl)
			break
		}
	}

	newHost := req.Host()
	if newHost != "" && newHost != originalHost && req.Headers.Has("Host") {
		req.Headers.Set("Host", newHost)
	}
}

func (m *Modifier) update(mutate func(*ruleSet)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.rs
	next := &ruleSet{
		headers:       old.headers,
		params:        old.params,
		querystring:   old.querystring,
		rewrites:      old.rewrites,
		scopes:        old.scopes,
		ignoreMethods: old.ignoreMethods,
	}
	mutate(next)
	m.rs = next
}

// overrides 保序合并容器，后写入的规则覆盖同名先写入的值
type overrides struct {
	keys  []string // 小写键，按首次出现排序
	names map[string]string
	vals  map[string]*string
}

func newOverrides() *overrides {
	return &overrides{names: map[string]string{}, vals: map[string]*string{}}
}

func (o *overrides) merge(src map[string]*string) {
	// map 遍历无序，同一条规则内部按键名排序保证确定性
	sorted := make([]string, 0, len(src))
	for name := range src {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		key := strings.ToLower(name)
		if _, ok := o.vals[key]; !ok {
			o.keys = append(o.keys, key)
		}
		o.names[key] = name
		o.vals[key] = src[name]
	}
}

func applyHeaderOverrides(h *capture.Headers, ov *overrides, responseSide bool) {
	for _, key := range ov.keys {
		name := ov.names[key]
		hasPrefix := strings.HasPrefix(key, responsePrefix)
		if responseSide != hasPrefix {
			continue
		}
		if responseSide {
			name = name[len(responsePrefix):]
		}
		if v := ov.vals[key]; v == nil {
			h.Del(name)
		} else {
			h.Set(name, *v)
		}
	}
}

func applyParamOverrides(values url.Values, ov *overrides) {
	for _, key := range ov.keys {
		name := ov.names[key]
		if v := ov.vals[key]; v == nil {
			values.Del(name)
		} else {
			values.Set(name, *v)
		}
	}
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

func methodSet(methods []string) map[string]struct{} {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return set
}

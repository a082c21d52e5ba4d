package api

import (
	"mitmcap/internal/config"
	"mitmcap/internal/logger"
	"mitmcap/internal/modifier"
	"mitmcap/internal/proxy"
	"mitmcap/pkg/capture"
)

// Service 服务接口
type Service interface {
	// Start 启动代理监听
	Start() error

	// Shutdown 停止代理并清理捕获存储
	Shutdown()

	// Addr 返回实际监听地址
	Addr() string

	// RootCertPEM 返回 PEM 编码的根证书
	RootCertPEM() []byte

	// Requests 按捕获顺序返回全部请求
	Requests() []*capture.Request

	// LastRequest 返回最近捕获的请求
	LastRequest() *capture.Request

	// IterRequests 按捕获顺序惰性遍历请求
	IterRequests() <-chan *capture.Request

	// Find 返回首个 URL 匹配 pattern 且已有响应的请求
	Find(pattern string) *capture.Request

	// HAREntries 返回全部 HAR 条目
	HAREntries() []any

	// ClearRequests 清空捕获记录
	ClearRequests()

	// SetRequestInterceptor 设置请求拦截器
	SetRequestInterceptor(fn proxy.RequestInterceptor)

	// ClearRequestInterceptor 移除请求拦截器
	ClearRequestInterceptor()

	// SetResponseInterceptor 设置响应拦截器
	SetResponseInterceptor(fn proxy.ResponseInterceptor)

	// ClearResponseInterceptor 移除响应拦截器
	ClearResponseInterceptor()

	// SetScopes 设置捕获范围
	SetScopes(patterns []string) error

	// SetHeaderRules 设置头覆盖规则
	SetHeaderRules(rules []modifier.HeaderRule) error

	// SetParamRules 设置参数覆盖规则
	SetParamRules(rules []modifier.ParamRule) error

	// SetQuerystringRules 设置查询串覆盖规则
	SetQuerystringRules(rules []modifier.QuerystringRule) error

	// SetRewriteRules 设置 URL 重写规则
	SetRewriteRules(rules []modifier.RewriteRule) error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	p, err := proxy.NewFromConfig(cfg, l)
	if err != nil {
		return nil, err
	}
	return &service{p: p}, nil
}

type service struct {
	p *proxy.Proxy
}

func (s *service) Start() error { return s.p.Start() }

func (s *service) Shutdown() { s.p.Shutdown() }

func (s *service) Addr() string { return s.p.Addr() }

func (s *service) RootCertPEM() []byte { return s.p.RootCertPEM() }

func (s *service) Requests() []*capture.Request {
	return s.p.Storage().LoadRequests()
}

func (s *service) LastRequest() *capture.Request {
	return s.p.Storage().LoadLastRequest()
}

func (s *service) IterRequests() <-chan *capture.Request {
	return s.p.Storage().Iter()
}

func (s *service) Find(pattern string) *capture.Request {
	return s.p.Storage().Find(pattern, true)
}

func (s *service) HAREntries() []any {
	return s.p.Storage().LoadHAREntries()
}

func (s *service) ClearRequests() {
	s.p.Storage().ClearRequests()
}

func (s *service) SetRequestInterceptor(fn proxy.RequestInterceptor) {
	s.p.SetRequestInterceptor(fn)
}

func (s *service) ClearRequestInterceptor() {
	s.p.ClearRequestInterceptor()
}

func (s *service) SetResponseInterceptor(fn proxy.ResponseInterceptor) {
	s.p.SetResponseInterceptor(fn)
}

func (s *service) ClearResponseInterceptor() {
	s.p.ClearResponseInterceptor()
}

func (s *service) SetScopes(patterns []string) error {
	return s.p.Modifier().SetScopes(patterns)
}

func (s *service) SetHeaderRules(rules []modifier.HeaderRule) error {
	return s.p.Modifier().SetHeaderRules(rules)
}

func (s *service) SetParamRules(rules []modifier.ParamRule) error {
	return s.p.Modifier().SetParamRules(rules)
}

func (s *service) SetQuerystringRules(rules []modifier.QuerystringRule) error {
	return s.p.Modifier().SetQuerystringRules(rules)
}

func (s *service) SetRewriteRules(rules []modifier.RewriteRule) error {
	return s.p.Modifier().SetRewriteRules(rules)
}

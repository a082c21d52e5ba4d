// Package proxy 实现中间人代理引擎：监听、连接处理与 WebSocket 中转
package proxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mitmcap/internal/ca"
	"mitmcap/internal/config"
	"mitmcap/internal/logger"
	"mitmcap/internal/modifier"
	"mitmcap/internal/storage"
	"mitmcap/internal/upstream"
	"mitmcap/pkg/capture"
)

// adminHost 本地应答的管理域名，/ca.crt 返回根证书
const adminHost = "mitmcap.proxy"

// RequestInterceptor 请求拦截器，可改写请求或挂载响应实现短路
type RequestInterceptor func(req *capture.Request)

// ResponseInterceptor 响应拦截器，可在转发前改写响应
type ResponseInterceptor func(req *capture.Request, resp *capture.Response)

// Config 代理引擎配置
type Config struct {
	Addr            string // host:port，端口 0 表示随机
	CertDir         string
	CertCacheDir    string
	DisableEncoding bool
	VerifyUpstream  bool // 默认不校验源站证书
	IgnoreMethods   []string
	Scopes          []string
	SocketTimeout   time.Duration
	Upstream        upstream.Options
}

// Proxy 中间人代理引擎
type Proxy struct {
	cfg       Config
	ca        *ca.Authority
	mod       *modifier.Modifier
	store     storage.Storage
	connector *upstream.Connector
	log       logger.Logger

	imu             sync.RWMutex
	reqInterceptor  RequestInterceptor
	respInterceptor ResponseInterceptor

	ln     net.Listener
	wg     sync.WaitGroup
	closed atomic.Bool

	cmu   sync.Mutex
	conns map[net.Conn]struct{}
}

// New 创建代理引擎，根证书材料缺失时返回错误
func New(cfg Config, store storage.Storage, log logger.Logger) (*Proxy, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 30 * time.Second
	}

	authority, err := ca.New(cfg.CertDir, cfg.CertCacheDir, log)
	if err != nil {
		return nil, fmt.Errorf("certificate authority: %w", err)
	}

	proxyCfg, err := upstream.ResolveConfig(cfg.Upstream, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream config: %w", err)
	}

	mod := modifier.New(log)
	if len(cfg.IgnoreMethods) > 0 {
		mod.SetIgnoreMethods(cfg.IgnoreMethods)
	}
	if len(cfg.Scopes) > 0 {
		if err := mod.SetScopes(cfg.Scopes); err != nil {
			return nil, fmt.Errorf("scope patterns: %w", err)
		}
	}

	return &Proxy{
		cfg:       cfg,
		ca:        authority,
		mod:       mod,
		store:     store,
		connector: upstream.NewConnector(proxyCfg, cfg.SocketTimeout, log),
		log:       log,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// NewFromConfig 从文件配置组装代理引擎与存储后端
func NewFromConfig(cfg *config.Config, log logger.Logger) (*Proxy, error) {
	store, err := storage.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return New(Config{
		Addr:            net.JoinHostPort(cfg.Listen.Host, fmt.Sprintf("%d", cfg.Listen.Port)),
		CertDir:         cfg.Certs.Dir,
		CertCacheDir:    cfg.Certs.CacheDir,
		DisableEncoding: cfg.Proxy.DisableEncoding,
		VerifyUpstream:  cfg.Proxy.VerifyUpstream,
		IgnoreMethods:   cfg.Proxy.IgnoreMethods,
		Scopes:          cfg.Proxy.Scopes,
		SocketTimeout:   time.Duration(cfg.Proxy.SocketTimeoutSecs) * time.Second,
		Upstream: upstream.Options{
			HTTP:       cfg.Upstream.HTTP,
			HTTPS:      cfg.Upstream.HTTPS,
			NoProxy:    cfg.Upstream.NoProxy,
			CustomAuth: cfg.Upstream.CustomAuth,
		},
	}, store, log)
}

// Start 开始监听并接受连接
func (p *Proxy) Start() error {
	addr := p.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	p.ln = ln
	p.log.Info("代理开始监听", "addr", ln.Addr().String())

	p.wg.Add(1)
	go p.acceptLoop()
	return nil
}

// Addr 返回实际监听地址，Start 之前为空串
func (p *Proxy) Addr() string {
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// Shutdown 关闭监听，等待活动连接结束并清理存储
func (p *Proxy) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.ln != nil {
		p.ln.Close()
	}
	p.cmu.Lock()
	for conn := range p.conns {
		conn.Close()
	}
	p.cmu.Unlock()
	p.wg.Wait()
	p.store.Cleanup()
	p.log.Info("代理已停止")
}

// Modifier 返回规则引擎，规则可在运行期更新
func (p *Proxy) Modifier() *modifier.Modifier {
	return p.mod
}

// Storage 返回捕获存储
func (p *Proxy) Storage() storage.Storage {
	return p.store
}

// RootCertPEM 返回根证书 PEM
func (p *Proxy) RootCertPEM() []byte {
	return p.ca.RootCertPEM()
}

// SetRequestInterceptor 设置请求拦截器，替换旧值
func (p *Proxy) SetRequestInterceptor(fn RequestInterceptor) {
	p.imu.Lock()
	p.reqInterceptor = fn
	p.imu.Unlock()
}

// ClearRequestInterceptor 移除请求拦截器
func (p *Proxy) ClearRequestInterceptor() {
	p.SetRequestInterceptor(nil)
}

// SetResponseInterceptor 设置响应拦截器，替换旧值
func (p *Proxy) SetResponseInterceptor(fn ResponseInterceptor) {
	p.imu.Lock()
	p.respInterceptor = fn
	p.imu.Unlock()
}

// ClearResponseInterceptor 移除响应拦截器
func (p *Proxy) ClearResponseInterceptor() {
	p.SetResponseInterceptor(nil)
}

func (p *Proxy) interceptors() (RequestInterceptor, ResponseInterceptor) {
	p.imu.RLock()
	defer p.imu.RUnlock()
	return p.reqInterceptor, p.respInterceptor
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if p.closed.Load() {
				return
			}
			p.log.Warn("接受连接失败", "error", err)
			return
		}
		p.cmu.Lock()
		p.conns[conn] = struct{}{}
		p.cmu.Unlock()

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() {
				p.cmu.Lock()
				delete(p.conns, conn)
				p.cmu.Unlock()
			}()
			newConnHandler(p, conn).serve()
		}()
	}
}

// Package upstream 解析上游代理配置并负责建立到目标或上游的连接
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	xproxy "golang.org/x/net/proxy"

	"mitmcap/internal/logger"
)

// Options 上游代理的显式配置，与环境变量合并后生效
type Options struct {
	HTTP       string // http 目标使用的上游，URL 形式
	HTTPS      string // https 目标使用的上游
	NoProxy    string // 逗号分隔的直连列表
	CustomAuth string // 完整 Proxy-Authorization 值，优先于 URL 内嵌凭据
}

// Endpoint 一个上游代理端点
type Endpoint struct {
	Scheme   string // http / https / socks4 / socks5 / socks5h
	Host     string // host:port
	Username string
	Password string
	hasAuth  bool
}

// ProxyConfig 解析完成的上游代理配置，构造后不可变
type ProxyConfig struct {
	HTTP       *Endpoint
	HTTPS      *Endpoint
	NoProxy    []string
	CustomAuth string
}

var validSchemes = map[string]struct{}{
	"http": {}, "https": {}, "socks4": {}, "socks5": {}, "socks5h": {},
}

// ResolveConfig 合并显式配置与环境变量，显式配置优先。
// environ 为 nil 时读取进程环境。
func ResolveConfig(opts Options, environ func(string) string) (*ProxyConfig, error) {
	if environ == nil {
		environ = getenv
	}

	pick := func(explicit string, envKey string) string {
		if explicit != "" {
			return explicit
		}
		if v := environ(envKey); v != "" {
			return v
		}
		return environ(strings.ToLower(envKey))
	}

	cfg := &ProxyConfig{CustomAuth: opts.CustomAuth}

	if raw := pick(opts.HTTP, "HTTP_PROXY"); raw != "" {
		ep, err := parseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("http proxy: %w", err)
		}
		cfg.HTTP = ep
	}
	if raw := pick(opts.HTTPS, "HTTPS_PROXY"); raw != "" {
		ep, err := parseEndpoint(raw)
		if err != nil {
			return nil, fmt.Errorf("https proxy: %w", err)
		}
		cfg.HTTPS = ep
	}
	if raw := pick(opts.NoProxy, "NO_PROXY"); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.NoProxy = append(cfg.NoProxy, entry)
			}
		}
	}

	if cfg.HTTP != nil && cfg.HTTPS != nil && cfg.HTTP.Host != cfg.HTTPS.Host {
		return nil, fmt.Errorf("conflicting upstream endpoints: http=%s https=%s", cfg.HTTP.Host, cfg.HTTPS.Host)
	}

	return cfg, nil
}

func parseEndpoint(raw string) (*Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if _, ok := validSchemes[u.Scheme]; !ok {
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy url %q has no host", raw)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort(u.Scheme))
	}
	ep := &Endpoint{Scheme: u.Scheme, Host: host}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
		ep.hasAuth = true
	}
	return ep, nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https":
		return "443"
	case "socks4", "socks5", "socks5h":
		return "1080"
	default:
		return "80"
	}
}

func getenv(key string) string {
	return os.Getenv(key)
}

// Conn 已建立的出站连接
//
// Proxied 为真表示明文 HTTP 经由上游代理转发，
// 调用方需要改用绝对 URI 并附带 AuthHeader。
type Conn struct {
	net.Conn
	Proxied    bool
	AuthHeader string
}

// Connector 按配置建立出站连接
type Connector struct {
	cfg     *ProxyConfig
	timeout time.Duration
	log     logger.Logger
}

// NewConnector 创建连接器，timeout 限制单次 socket 操作
func NewConnector(cfg *ProxyConfig, timeout time.Duration, log logger.Logger) *Connector {
	if cfg == nil {
		cfg = &ProxyConfig{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Connector{cfg: cfg, timeout: timeout, log: log}
}

// Dial 为 scheme（http/https）的目标 hostport 建立连接
func (c *Connector) Dial(ctx context.Context, scheme, hostport string) (*Conn, error) {
	ep := c.endpointFor(scheme)
	if ep == nil || c.bypass(hostport) {
		conn, err := c.dialDirect(ctx, hostport)
		if err != nil {
			return nil, err
		}
		return &Conn{Conn: conn}, nil
	}

	switch ep.Scheme {
	case "socks5", "socks5h":
		conn, err := c.dialSOCKS5(ctx, ep, hostport)
		if err != nil {
			return nil, err
		}
		return &Conn{Conn: conn}, nil
	case "socks4":
		conn, err := c.dialSOCKS4(ctx, ep, hostport)
		if err != nil {
			return nil, err
		}
		return &Conn{Conn: conn}, nil
	}

	// http/https 上游
	conn, err := c.dialProxy(ctx, ep)
	if err != nil {
		return nil, err
	}
	auth := c.authHeader(ep)

	if scheme == "https" {
		if err := c.connect(conn, hostport, auth); err != nil {
			conn.Close()
			return nil, err
		}
		return &Conn{Conn: conn}, nil
	}
	return &Conn{Conn: conn, Proxied: true, AuthHeader: auth}, nil
}

// endpointFor 选择目标 scheme 对应的上游端点。
// 与 HTTP_PROXY/HTTPS_PROXY 的惯例一致，未配置的 scheme 直连，不借用另一端点。
func (c *Connector) endpointFor(scheme string) *Endpoint {
	if scheme == "https" {
		return c.cfg.HTTPS
	}
	return c.cfg.HTTP
}

func (c *Connector) bypass(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	for _, entry := range c.cfg.NoProxy {
		if entry == "*" {
			return true
		}
		e := entry
		if h, _, err := net.SplitHostPort(entry); err == nil {
			e = h
		}
		e = strings.TrimPrefix(e, ".")
		if strings.EqualFold(host, e) || strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(e)) {
			return true
		}
	}
	return false
}

func (c *Connector) dialDirect(ctx context.Context, hostport string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.timeout}
	return d.DialContext(ctx, "tcp", hostport)
}

func (c *Connector) dialProxy(ctx context.Context, ep *Endpoint) (net.Conn, error) {
	conn, err := c.dialDirect(ctx, ep.Host)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", ep.Host, err)
	}
	if ep.Scheme == "https" {
		host, _, _ := net.SplitHostPort(ep.Host)
		tconn := tls.Client(conn, &tls.Config{ServerName: host})
		tconn.SetDeadline(time.Now().Add(c.timeout))
		if err := tconn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls to upstream %s: %w", ep.Host, err)
		}
		tconn.SetDeadline(time.Time{})
		return tconn, nil
	}
	return conn, nil
}

// connect 在已建立的上游连接上完成 CONNECT 隧道
func (c *Connector) connect(conn net.Conn, hostport, auth string) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", hostport, hostport)
	if auth != "" {
		req += "Proxy-Authorization: " + auth + "\r\n"
	}
	req += "\r\n"

	conn.SetDeadline(time.Now().Add(c.timeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream refused CONNECT: %s", resp.Status)
	}
	return nil
}

func (c *Connector) dialSOCKS5(ctx context.Context, ep *Endpoint, hostport string) (net.Conn, error) {
	var auth *xproxy.Auth
	if ep.hasAuth {
		auth = &xproxy.Auth{User: ep.Username, Password: ep.Password}
	}
	d, err := xproxy.SOCKS5("tcp", ep.Host, auth, &net.Dialer{Timeout: c.timeout})
	if err != nil {
		return nil, err
	}

	target := hostport
	if ep.Scheme == "socks5" {
		// socks5 在本地解析主机名，socks5h 把主机名交给上游
		host, port, err := net.SplitHostPort(hostport)
		if err != nil {
			return nil, fmt.Errorf("bad target %q: %w", hostport, err)
		}
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		target = net.JoinHostPort(addrs[0], port)
	}

	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return d.Dial("tcp", target)
	}
	return cd.DialContext(ctx, "tcp", target)
}

func (c *Connector) dialSOCKS4(ctx context.Context, ep *Endpoint, hostport string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("bad target %q: %w", hostport, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, err
	}

	var ip4 net.IP
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			ip4 = v4
			break
		}
	}
	if ip4 == nil {
		return nil, fmt.Errorf("no IPv4 address for %s", host)
	}

	conn, err := c.dialDirect(ctx, ep.Host)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", ep.Host, err)
	}

	conn.SetDeadline(time.Now().Add(c.timeout))
	defer conn.SetDeadline(time.Time{})

	req := make([]byte, 0, 9+len(ep.Username))
	req = append(req, 0x04, 0x01)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip4...)
	req = append(req, ep.Username...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 request: %w", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 reply: %w", err)
	}
	if reply[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("socks4 request rejected: code %#x", reply[1])
	}
	return conn, nil
}

// AuthHeaderFor 返回目标 scheme 经由上游时应携带的 Proxy-Authorization 值
func (c *Connector) AuthHeaderFor(scheme string) string {
	ep := c.endpointFor(scheme)
	if ep == nil {
		return ""
	}
	return c.authHeader(ep)
}

func (c *Connector) authHeader(ep *Endpoint) string {
	if c.cfg.CustomAuth != "" {
		return c.cfg.CustomAuth
	}
	if ep.hasAuth {
		cred := ep.Username + ":" + ep.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
	}
	return ""
}

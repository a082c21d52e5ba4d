package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"mitmcap/internal/codec"
	"mitmcap/internal/logger"
	"mitmcap/internal/upstream"
	"mitmcap/pkg/capture"
)

// hopByHopHeaders RFC 2616 13.5.1 定义的逐跳头，转发前剥除
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// permittedEncodings 捕获路径能够解码的内容编码
var permittedEncodings = []string{"identity", "gzip", "x-gzip", "deflate"}

type upstreamConn struct {
	conn *upstream.Conn
	br   *bufio.Reader
}

// connHandler 处理单个客户端连接上的全部交换
type connHandler struct {
	p       *Proxy
	conn    net.Conn
	reader  *bufio.Reader
	tlsHost string // 进入 CONNECT 隧道后为目标 authority
	timeout time.Duration
	log     logger.Logger

	// 上游连接按 (scheme, host:port) 复用，随客户端连接一起关闭
	upstreams map[string]*upstreamConn
}

func newConnHandler(p *Proxy, conn net.Conn) *connHandler {
	return &connHandler{
		p:         p,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		timeout:   p.cfg.SocketTimeout,
		log:       p.log.With("client", conn.RemoteAddr().String()),
		upstreams: make(map[string]*upstreamConn),
	}
}

func (h *connHandler) serve() {
	defer h.conn.Close()
	defer h.closeUpstreams()

	for {
		h.conn.SetReadDeadline(time.Now().Add(h.timeout))
		req, err := http.ReadRequest(h.reader)
		if err != nil {
			if err != io.EOF && !isClosedErr(err) {
				h.log.Debug("读取请求失败", "error", err)
			}
			return
		}
		h.conn.SetReadDeadline(time.Time{})

		if req.Method == http.MethodConnect {
			if err := h.handleConnect(req); err != nil {
				h.log.Debug("隧道建立失败", "target", req.Host, "error", err)
				return
			}
			continue
		}

		if !h.handleExchange(req) {
			return
		}
	}
}

// handleConnect 建立 CONNECT 隧道并在其上完成 TLS 握手
func (h *connHandler) handleConnect(req *http.Request) error {
	io.Copy(io.Discard, req.Body)
	req.Body.Close()

	if _, err := h.conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return err
	}

	hostname := req.Host
	if hn, _, err := net.SplitHostPort(req.Host); err == nil {
		hostname = hn
	}
	cert, err := h.p.ca.CertificateFor(hostname)
	if err != nil {
		return err
	}

	tlsConn := tls.Server(h.conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	tlsConn.SetDeadline(time.Now().Add(h.timeout))
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	tlsConn.SetDeadline(time.Time{})

	h.conn = tlsConn
	h.reader = bufio.NewReader(tlsConn)
	h.tlsHost = req.Host
	return nil
}

// handleExchange 处理一次请求/响应交换，返回连接是否可以继续复用
func (h *connHandler) handleExchange(hreq *http.Request) bool {
	body, err := io.ReadAll(hreq.Body)
	hreq.Body.Close()
	if err != nil {
		h.log.Debug("读取请求体失败", "error", err)
		return false
	}

	rawurl := h.requestURL(hreq)
	clientKeepAlive := wantsKeepAlive(hreq)
	isUpgrade := isWebSocketUpgrade(hreq.Header)

	if isAdminRequest(rawurl) {
		return h.serveAdmin(rawurl) && clientKeepAlive
	}

	headers := headersFromHTTP(hreq)
	stripHopByHop(&headers, isUpgrade)
	h.filterAcceptEncoding(&headers)

	creq := capture.NewRequest(hreq.Method, rawurl, headers, body)
	h.p.mod.ModifyRequest(creq)
	inScope := h.p.mod.InScope(creq.Method, creq.URL)

	reqIcpt, respIcpt := h.p.interceptors()
	if inScope && reqIcpt != nil {
		h.safeInvoke("request interceptor", func() { reqIcpt(creq) })
	}

	// 转发目标在握手 URL 改写为 ws/wss 之前确定
	forwardURL := creq.URL
	if isUpgrade {
		creq.URL = wsURL(creq.URL)
	}

	if inScope {
		if err := h.p.store.SaveRequest(creq); err != nil {
			h.log.Warn("捕获请求失败", "url", creq.URL, "error", err)
		}
	}

	var cresp *capture.Response
	var uc *upstreamConn

	if creq.Response != nil {
		// 拦截器已挂载响应，不再访问源站
		cresp = creq.Response
	} else {
		cresp, uc, err = h.forward(creq, forwardURL, isUpgrade)
		if err != nil {
			h.log.Warn("源站交换失败", "url", creq.URL, "error", err)
			h.writeBadGateway()
			return false
		}
	}

	h.p.mod.ModifyResponse(cresp, creq)
	if inScope && respIcpt != nil {
		origBody := cresp.Body
		h.safeInvoke("response interceptor", func() { respIcpt(creq, cresp) })
		if !bytes.Equal(origBody, cresp.Body) {
			h.reencodeBody(cresp)
		}
	}

	if inScope && creq.ID != "" {
		h.p.store.SaveResponse(creq.ID, cresp)
	}

	if cresp.StatusCode == http.StatusSwitchingProtocols && uc != nil {
		h.relayUpgrade(creq, cresp, uc)
		return false
	}

	if err := h.writeResponse(creq.Method, cresp); err != nil {
		h.log.Debug("回写响应失败", "error", err)
		return false
	}
	return clientKeepAlive
}

// requestURL 还原完整请求 URL，隧道内根据 TLS 状态补全 scheme 与主机
func (h *connHandler) requestURL(hreq *http.Request) string {
	if hreq.URL.IsAbs() {
		return hreq.URL.String()
	}
	scheme := "http"
	host := hreq.Host
	if h.tlsHost != "" {
		scheme = "https"
		if host == "" {
			host = h.tlsHost
		}
	}
	return scheme + "://" + host + hreq.URL.RequestURI()
}

// forward 把请求送往源站或上游并读回完整响应
func (h *connHandler) forward(creq *capture.Request, rawurl string, isUpgrade bool) (*capture.Response, *upstreamConn, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, nil, fmt.Errorf("bad target url %q: %w", rawurl, err)
	}
	scheme := u.Scheme
	hostport := u.Host
	if u.Port() == "" {
		port := "80"
		if scheme == "https" {
			port = "443"
		}
		hostport = net.JoinHostPort(u.Hostname(), port)
	}

	uc, err := h.upstreamFor(scheme, hostport, u.Hostname())
	if err != nil {
		return nil, nil, err
	}

	if err := h.writeRequest(uc, creq, u, rawurl, isUpgrade); err != nil {
		h.dropUpstream(scheme, hostport)
		return nil, nil, err
	}

	// 响应体语义取决于请求方法，HEAD 响应不携带消息体
	uc.conn.SetReadDeadline(time.Now().Add(h.timeout))
	hresp, err := http.ReadResponse(uc.br, &http.Request{Method: creq.Method})
	if err != nil {
		h.dropUpstream(scheme, hostport)
		return nil, nil, fmt.Errorf("read origin response: %w", err)
	}
	uc.conn.SetReadDeadline(time.Time{})

	var respBody []byte
	if hresp.StatusCode != http.StatusSwitchingProtocols {
		respBody, err = io.ReadAll(hresp.Body)
		hresp.Body.Close()
		if err != nil {
			h.dropUpstream(scheme, hostport)
			return nil, nil, fmt.Errorf("read origin body: %w", err)
		}
	}

	cresp, err := capture.NewResponse(hresp.StatusCode, headersFromHTTPHeader(hresp.Header), respBody)
	if err != nil {
		// 非标准状态码照样转发
		cresp = &capture.Response{
			StatusCode: hresp.StatusCode,
			Reason:     strings.TrimPrefix(hresp.Status, fmt.Sprintf("%d ", hresp.StatusCode)),
			Headers:    headersFromHTTPHeader(hresp.Header),
			Body:       respBody,
			Date:       time.Now(),
		}
	}
	if !isUpgrade {
		stripHopByHop(&cresp.Headers, false)
	}
	cresp.Cert = originCert(uc.conn.Conn)
	return cresp, uc, nil
}

// upstreamFor 复用或新建到目标的连接，https 目标在此完成 TLS
func (h *connHandler) upstreamFor(scheme, hostport, serverName string) (*upstreamConn, error) {
	key := scheme + "|" + hostport
	if uc, ok := h.upstreams[key]; ok {
		return uc, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	conn, err := h.p.connector.Dial(ctx, scheme, hostport)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", hostport, err)
	}

	if scheme == "https" {
		tlsConn := tls.Client(conn.Conn, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: !h.p.cfg.VerifyUpstream,
		})
		tlsConn.SetDeadline(time.Now().Add(h.timeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls to origin %s: %w", hostport, err)
		}
		tlsConn.SetDeadline(time.Time{})
		conn.Conn = tlsConn
	}

	uc := &upstreamConn{conn: conn, br: bufio.NewReader(conn)}
	h.upstreams[key] = uc
	return uc, nil
}

func (h *connHandler) dropUpstream(scheme, hostport string) {
	key := scheme + "|" + hostport
	if uc, ok := h.upstreams[key]; ok {
		uc.conn.Close()
		delete(h.upstreams, key)
	}
}

func (h *connHandler) closeUpstreams() {
	for _, uc := range h.upstreams {
		uc.conn.Close()
	}
}

// writeRequest 把捕获请求序列化到上游连接
func (h *connHandler) writeRequest(uc *upstreamConn, creq *capture.Request, u *url.URL, rawurl string, isUpgrade bool) error {
	target := u.RequestURI()
	if uc.conn.Proxied {
		// 经明文上游转发时使用绝对 URI
		target = rawurl
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", creq.Method, target)

	headers := creq.Headers.Clone()
	if !headers.Has("Host") {
		headers.Set("Host", u.Host)
	}
	if len(creq.Body) > 0 || headers.Has("Content-Length") {
		headers.Set("Content-Length", strconv.Itoa(len(creq.Body)))
	}
	if uc.conn.Proxied && uc.conn.AuthHeader != "" {
		headers.Set("Proxy-Authorization", uc.conn.AuthHeader)
	}
	if !isUpgrade && !headers.Has("Connection") {
		headers.Set("Connection", "keep-alive")
	}

	for _, hd := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", hd.Name, hd.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(creq.Body)

	uc.conn.SetWriteDeadline(time.Now().Add(h.timeout))
	defer uc.conn.SetWriteDeadline(time.Time{})
	if _, err := uc.conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write origin request: %w", err)
	}
	return nil
}

// writeResponse 把响应回写给客户端，长度以缓冲后的消息体为准。
// HEAD 响应不携带消息体，保留源站声明的 Content-Length。
func (h *connHandler) writeResponse(method string, cresp *capture.Response) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", cresp.StatusCode, cresp.Reason)

	withBody := bodyAllowed(cresp.StatusCode) && method != http.MethodHead

	headers := cresp.Headers.Clone()
	headers.Del("Transfer-Encoding")
	if withBody {
		headers.Set("Content-Length", strconv.Itoa(len(cresp.Body)))
	}
	for _, hd := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", hd.Name, hd.Value)
	}
	buf.WriteString("\r\n")
	if withBody {
		buf.Write(cresp.Body)
	}

	h.conn.SetWriteDeadline(time.Now().Add(h.timeout))
	defer h.conn.SetWriteDeadline(time.Time{})
	_, err := h.conn.Write(buf.Bytes())
	return err
}

func (h *connHandler) writeBadGateway() {
	body := "Bad Gateway"
	h.conn.SetWriteDeadline(time.Now().Add(h.timeout))
	fmt.Fprintf(h.conn, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	h.conn.SetWriteDeadline(time.Time{})
}

// relayUpgrade 把 101 握手回写后移交 WebSocket 中转
func (h *connHandler) relayUpgrade(creq *capture.Request, cresp *capture.Response, uc *upstreamConn) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", cresp.StatusCode, cresp.Reason)
	for _, hd := range cresp.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", hd.Name, hd.Value)
	}
	buf.WriteString("\r\n")
	if _, err := h.conn.Write(buf.Bytes()); err != nil {
		h.log.Debug("回写升级握手失败", "error", err)
		return
	}

	h.conn.SetDeadline(time.Time{})
	uc.conn.SetDeadline(time.Time{})
	h.relayWebSocket(creq.ID, uc)
}

// serveAdmin 本地应答管理请求，目前仅提供根证书下载
func (h *connHandler) serveAdmin(rawurl string) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	if u.Path != "/ca.crt" {
		resp := "Not Found"
		fmt.Fprintf(h.conn, "HTTP/1.1 404 Not Found\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s", len(resp), resp)
		return true
	}

	pem := h.p.ca.RootCertPEM()
	fmt.Fprintf(h.conn, "HTTP/1.1 200 OK\r\nContent-Type: application/x-x509-ca-cert\r\nContent-Length: %d\r\n\r\n", len(pem))
	h.conn.Write(pem)
	h.log.Debug("已下发根证书", "client", h.conn.RemoteAddr().String())
	return true
}

// filterAcceptEncoding 把 Accept-Encoding 限制在捕获路径可解码的范围内
func (h *connHandler) filterAcceptEncoding(headers *capture.Headers) {
	if !headers.Has("Accept-Encoding") {
		return
	}
	if h.p.cfg.DisableEncoding {
		headers.Set("Accept-Encoding", "identity")
		return
	}

	var kept []string
	for _, enc := range strings.Split(headers.Get("Accept-Encoding"), ",") {
		enc = strings.TrimSpace(enc)
		base := enc
		if i := strings.IndexByte(enc, ';'); i >= 0 {
			base = strings.TrimSpace(enc[:i])
		}
		for _, p := range permittedEncodings {
			if strings.EqualFold(base, p) {
				kept = append(kept, enc)
				break
			}
		}
	}
	if len(kept) == 0 {
		kept = []string{"identity"}
	}
	headers.Set("Accept-Encoding", strings.Join(kept, ", "))
}

// reencodeBody 拦截器替换消息体后按声明的编码重新压缩
func (h *connHandler) reencodeBody(cresp *capture.Response) {
	enc := cresp.Headers.Get("Content-Encoding")
	if enc == "" || strings.EqualFold(enc, "identity") {
		return
	}
	encoded, err := codec.Encode(cresp.Body, strings.ToLower(enc))
	if err != nil {
		cresp.Headers.Del("Content-Encoding")
		return
	}
	cresp.Body = encoded
}

func (h *connHandler) safeInvoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("拦截器panic已恢复", "interceptor", name, "panic", r)
		}
	}()
	fn()
}

// headersFromHTTP 转换请求头，Host 从请求行恢复为首个头
func headersFromHTTP(hreq *http.Request) capture.Headers {
	var headers capture.Headers
	if hreq.Host != "" {
		headers.Add("Host", hreq.Host)
	}
	return append(headers, headersFromHTTPHeader(hreq.Header)...)
}

// headersFromHTTPHeader 按名称排序转换，同名头保持原始顺序
func headersFromHTTPHeader(hh http.Header) capture.Headers {
	names := make([]string, 0, len(hh))
	for name := range hh {
		names = append(names, name)
	}
	sort.Strings(names)

	var headers capture.Headers
	for _, name := range names {
		for _, v := range hh[name] {
			headers.Add(name, v)
		}
	}
	return headers
}

func stripHopByHop(headers *capture.Headers, keepUpgrade bool) {
	for _, name := range hopByHopHeaders {
		if keepUpgrade && (name == "Connection" || name == "Upgrade") {
			continue
		}
		headers.Del(name)
	}
}

func isWebSocketUpgrade(hh http.Header) bool {
	if !strings.EqualFold(hh.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range hh.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

func wantsKeepAlive(hreq *http.Request) bool {
	if hreq.Close {
		return false
	}
	if hreq.ProtoMajor == 1 && hreq.ProtoMinor == 0 {
		return strings.EqualFold(hreq.Header.Get("Connection"), "keep-alive")
	}
	return true
}

func isAdminRequest(rawurl string) bool {
	u, err := url.Parse(rawurl)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Hostname(), adminHost)
}

// wsURL 捕获 WebSocket 握手时把 URL 改写为 ws/wss
func wsURL(rawurl string) string {
	if strings.HasPrefix(rawurl, "https://") {
		return "wss://" + rawurl[len("https://"):]
	}
	if strings.HasPrefix(rawurl, "http://") {
		return "ws://" + rawurl[len("http://"):]
	}
	return rawurl
}

func bodyAllowed(status int) bool {
	if status >= 100 && status < 200 {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}

func originCert(conn net.Conn) *capture.CertInfo {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return certInfo(state.PeerCertificates[0])
}

func certInfo(cert *x509.Certificate) *capture.CertInfo {
	info := &capture.CertInfo{
		Subject:    cert.Subject.String(),
		Issuer:     cert.Issuer.String(),
		CommonName: cert.Subject.CommonName,
		Serial:     cert.SerialNumber.String(),
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		AltNames:   cert.DNSNames,
	}
	if len(cert.Subject.Organization) > 0 {
		info.Organization = cert.Subject.Organization[0]
	}
	return info
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

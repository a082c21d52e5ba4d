package capture

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request 经过代理的一次 HTTP 请求
//
// ID 仅在请求被捕获存储时由存储层分配，此前为空串。
type Request struct {
	ID         string             `json:"id,omitempty"`
	Method     string             `json:"method"`
	URL        string             `json:"url"`
	Headers    Headers            `json:"headers"`
	Body       []byte             `json:"body"`
	Date       time.Time          `json:"date"`
	Response   *Response          `json:"-"`
	WSMessages []WebSocketMessage `json:"-"`
	Cert       *CertInfo          `json:"cert,omitempty"`
}

// NewRequest 创建请求对象，body 为 nil 时规范化为空切片
func NewRequest(method, rawurl string, headers Headers, body []byte) *Request {
	if body == nil {
		body = []byte{}
	}
	return &Request{
		Method:  method,
		URL:     rawurl,
		Headers: headers,
		Body:    body,
		Date:    time.Now(),
	}
}

// Host 返回请求 URL 的 authority 部分
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Path 返回请求 URL 的路径部分
func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Path
}

// QueryString 返回请求 URL 的查询串
func (r *Request) QueryString() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.RawQuery
}

// Params 返回请求参数，表单 POST 解析请求体，其余解析查询串
func (r *Request) Params() url.Values {
	if r.Method == http.MethodPost &&
		strings.HasPrefix(r.Headers.Get("Content-Type"), "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(r.Body))
		if err != nil {
			return url.Values{}
		}
		return values
	}
	values, err := url.ParseQuery(r.QueryString())
	if err != nil {
		return url.Values{}
	}
	return values
}

// SetQueryString 替换请求 URL 的查询串
func (r *Request) SetQueryString(qs string) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return
	}
	u.RawQuery = qs
	r.URL = u.String()
}

// CreateResponse 构造响应并挂到本请求上，用于拦截器短路转发
func (r *Request) CreateResponse(statusCode int, headers Headers, body []byte) error {
	resp, err := NewResponse(statusCode, headers, body)
	if err != nil {
		return err
	}
	r.Response = resp
	return nil
}

// Abort 以指定状态码终止本请求，不再访问源站
func (r *Request) Abort(statusCode int) error {
	if statusCode == 0 {
		statusCode = http.StatusForbidden
	}
	return r.CreateResponse(statusCode, nil, nil)
}

func (r *Request) String() string { return r.URL }

// Response 经过代理的一次 HTTP 响应
type Response struct {
	StatusCode int       `json:"statusCode"`
	Reason     string    `json:"reason"`
	Headers    Headers   `json:"headers"`
	Body       []byte    `json:"body"`
	Date       time.Time `json:"date"`
	Cert       *CertInfo `json:"cert,omitempty"`
}

// NewResponse 创建响应对象，未知状态码返回错误
func NewResponse(statusCode int, headers Headers, body []byte) (*Response, error) {
	reason := http.StatusText(statusCode)
	if reason == "" {
		return nil, fmt.Errorf("unknown status code: %d", statusCode)
	}
	if body == nil {
		body = []byte{}
	}
	return &Response{
		StatusCode: statusCode,
		Reason:     reason,
		Headers:    headers,
		Body:       body,
		Date:       time.Now(),
	}, nil
}

func (r *Response) String() string {
	return fmt.Sprintf("%d %s", r.StatusCode, r.Reason)
}

// WebSocketMessage 隧道中转发的单条 WebSocket 消息，记录后不可变
type WebSocketMessage struct {
	FromClient bool      `json:"fromClient"`
	Binary     bool      `json:"binary"`
	Content    []byte    `json:"content"`
	Date       time.Time `json:"date"`
}

func (m WebSocketMessage) String() string {
	if m.Binary {
		return fmt.Sprintf("<%d bytes of binary websocket data>", len(m.Content))
	}
	return string(m.Content)
}

// CertInfo 源站 TLS 证书元数据，加载时从响应侧提升到请求上
type CertInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	CommonName   string    `json:"cn"`
	Organization string    `json:"organization,omitempty"`
	Serial       string    `json:"serial"`
	NotBefore    time.Time `json:"notbefore"`
	NotAfter     time.Time `json:"notafter"`
	AltNames     []string  `json:"altnames"`
}

package storage

import (
	"sync"

	"github.com/google/uuid"

	"mitmcap/internal/codec"
	"mitmcap/internal/logger"
	"mitmcap/pkg/capture"
)

type memoryRecord struct {
	req     *capture.Request
	resp    *capture.Response
	ws      []capture.WebSocketMessage
	har     any
	decoded bool
}

// MemoryStorage 纯内存存储，maxSize 大于 0 时按捕获顺序严格 FIFO 淘汰
//
// 记录在写入时拷贝、读取时组装为新副本，调用方改动自己拿到的
// 对象不会写回存储，与磁盘后端的序列化快照语义一致。
type MemoryStorage struct {
	maxSize int
	log     logger.Logger

	mu      sync.Mutex
	ix      index
	records map[string]*memoryRecord
}

// NewMemoryStorage 创建内存存储，maxSize 为 0 表示不限容量
func NewMemoryStorage(maxSize int, log logger.Logger) *MemoryStorage {
	if log == nil {
		log = logger.NewNop()
	}
	return &MemoryStorage{
		maxSize: maxSize,
		log:     log,
		records: make(map[string]*memoryRecord),
	}
}

// SaveRequest 捕获请求并分配 ID，容量已满时先淘汰最旧记录
func (s *MemoryStorage) SaveRequest(req *capture.Request) error {
	req.ID = uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxSize > 0 && len(s.ix.entries) >= s.maxSize {
		oldest := s.ix.entries[0]
		s.ix.entries = s.ix.entries[1:]
		delete(s.records, oldest.id)
	}

	s.ix.add(req.ID, req.URL)
	s.records[req.ID] = &memoryRecord{req: cloneRequest(req)}
	return nil
}

// SaveResponse 保存响应，未知 id 为空操作
func (s *MemoryStorage) SaveResponse(id string, resp *capture.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		s.log.Debug("未知请求的响应已丢弃", "id", id)
		return
	}
	rec.resp = cloneResponse(resp)
	s.ix.markResponse(id)
}

// SaveWSMessage 追加 WebSocket 消息，未知 id 为空操作
func (s *MemoryStorage) SaveWSMessage(id string, msg capture.WebSocketMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		s.log.Debug("未知请求的WebSocket消息已丢弃", "id", id)
		return
	}
	rec.ws = append(rec.ws, msg)
}

// SaveHAREntry 保存 HAR 条目，未知 id 为空操作
func (s *MemoryStorage) SaveHAREntry(id string, entry any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		s.log.Debug("未知请求的HAR条目已丢弃", "id", id)
		return
	}
	rec.har = entry
}

// LoadRequests 按捕获顺序返回全部请求
func (s *MemoryStorage) LoadRequests() []*capture.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*capture.Request, 0, len(s.ix.entries))
	for _, e := range s.ix.entries {
		if req := s.assemble(e.id); req != nil {
			out = append(out, req)
		}
	}
	return out
}

// LoadLastRequest 返回最近捕获的请求，空存储返回 nil
func (s *MemoryStorage) LoadLastRequest() *capture.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ix.entries) == 0 {
		return nil
	}
	return s.assemble(s.ix.entries[len(s.ix.entries)-1].id)
}

// Iter 按捕获顺序惰性返回请求
func (s *MemoryStorage) Iter() <-chan *capture.Request {
	s.mu.Lock()
	entries := s.ix.snapshot()
	s.mu.Unlock()

	ch := make(chan *capture.Request)
	go func() {
		defer close(ch)
		for _, e := range entries {
			s.mu.Lock()
			req := s.assemble(e.id)
			s.mu.Unlock()
			if req != nil {
				ch <- req
			}
		}
	}()
	return ch
}

// Find 返回首个 URL 匹配 pattern 的请求，checkResponse 要求已有响应
func (s *MemoryStorage) Find(pattern string, checkResponse bool) *capture.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := findIn(s.ix.entries, pattern, checkResponse)
	if !ok {
		return nil
	}
	return s.assemble(e.id)
}

// LoadHAREntries 返回全部 HAR 条目
func (s *MemoryStorage) LoadHAREntries() []any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []any
	for _, e := range s.ix.entries {
		if rec, ok := s.records[e.id]; ok && rec.har != nil {
			out = append(out, rec.har)
		}
	}
	return out
}

// ClearRequests 清空全部捕获记录
func (s *MemoryStorage) ClearRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ix.reset()
	s.records = make(map[string]*memoryRecord)
}

// Cleanup 与 ClearRequests 等价，内存存储无会话目录
func (s *MemoryStorage) Cleanup() {
	s.ClearRequests()
}

func (s *MemoryStorage) assemble(id string) *capture.Request {
	rec, ok := s.records[id]
	if !ok {
		return nil
	}

	// 存储持有的响应副本在首次读取时按内容编码解压
	if rec.resp != nil && !rec.decoded {
		if enc := rec.resp.Headers.Get("Content-Encoding"); enc != "" {
			if body, err := codec.Decode(rec.resp.Body, enc); err == nil {
				rec.resp.Body = body
			}
		}
		rec.decoded = true
	}

	req := cloneRequest(rec.req)
	if rec.resp != nil {
		resp := cloneResponse(rec.resp)
		if resp.Cert != nil {
			req.Cert = resp.Cert
			resp.Cert = nil
		}
		req.Response = resp
	}
	if len(rec.ws) > 0 {
		req.WSMessages = append([]capture.WebSocketMessage(nil), rec.ws...)
	}
	return req
}

func cloneRequest(req *capture.Request) *capture.Request {
	out := *req
	out.Headers = req.Headers.Clone()
	out.Body = append([]byte(nil), req.Body...)
	out.Response = nil
	out.WSMessages = nil
	return &out
}

func cloneResponse(resp *capture.Response) *capture.Response {
	out := *resp
	out.Headers = resp.Headers.Clone()
	out.Body = append([]byte(nil), resp.Body...)
	return &out
}

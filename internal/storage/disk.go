package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mitmcap/internal/codec"
	"mitmcap/internal/logger"
	"mitmcap/pkg/capture"
)

const (
	requestFile    = "request"
	responseFile   = "response"
	harEntryFile   = "har_entry"
	wsMessagesFile = "ws_messages"

	// 启动时清理超过该时长的历史会话目录
	sessionMaxAge = 24 * time.Hour
)

// DiskStorage 把每次捕获落盘为会话目录下的 JSON 工件
//
// 互斥锁只保护索引，磁盘 I/O 永远在锁外进行。
type DiskStorage struct {
	parentDir  string
	sessionDir string
	log        logger.Logger

	mu sync.Mutex
	ix index
}

// NewDiskStorage 在 baseDir 下创建会话目录并清理过期会话
func NewDiskStorage(baseDir string, log logger.Logger) (*DiskStorage, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	parent := filepath.Join(baseDir, captureDirName)
	session := filepath.Join(parent, sessionDirPrefix+uuid.NewString())
	if err := os.MkdirAll(session, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	s := &DiskStorage{parentDir: parent, sessionDir: session, log: log}
	s.sweepOldSessions()
	return s, nil
}

// sweepOldSessions 删除同级的过期会话残留
func (s *DiskStorage) sweepOldSessions() {
	entries, err := os.ReadDir(s.parentDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-sessionMaxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), sessionDirPrefix) {
			continue
		}
		path := filepath.Join(s.parentDir, e.Name())
		if path == s.sessionDir {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.log.Warn("清理过期会话失败", "path", path, "error", err)
		} else {
			s.log.Debug("已清理过期会话", "path", path)
		}
	}
}

// SaveRequest 捕获请求，分配 ID 并落盘
func (s *DiskStorage) SaveRequest(req *capture.Request) error {
	req.ID = uuid.NewString()

	dir := s.requestDir(req.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create request dir: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, requestFile), req); err != nil {
		return err
	}

	s.mu.Lock()
	s.ix.add(req.ID, req.URL)
	s.mu.Unlock()
	return nil
}

// SaveResponse 捕获 id 对应请求的响应，未知 id 为空操作
func (s *DiskStorage) SaveResponse(id string, resp *capture.Response) {
	s.mu.Lock()
	known := s.ix.markResponse(id)
	s.mu.Unlock()
	if !known {
		s.log.Debug("未知请求的响应已丢弃", "id", id)
		return
	}
	if err := writeJSON(filepath.Join(s.requestDir(id), responseFile), resp); err != nil {
		s.log.Warn("响应落盘失败", "id", id, "error", err)
	}
}

// SaveWSMessage 追加 id 对应隧道的 WebSocket 消息，未知 id 为空操作
func (s *DiskStorage) SaveWSMessage(id string, msg capture.WebSocketMessage) {
	s.mu.Lock()
	known := s.ix.contains(id)
	s.mu.Unlock()
	if !known {
		s.log.Debug("未知请求的WebSocket消息已丢弃", "id", id)
		return
	}

	path := filepath.Join(s.requestDir(id), wsMessagesFile)
	var msgs []capture.WebSocketMessage
	if data, err := os.ReadFile(path); err == nil {
		json.Unmarshal(data, &msgs)
	}
	msgs = append(msgs, msg)
	if err := writeJSON(path, msgs); err != nil {
		s.log.Warn("WebSocket消息落盘失败", "id", id, "error", err)
	}
}

// SaveHAREntry 保存 id 对应请求的 HAR 条目，未知 id 为空操作
func (s *DiskStorage) SaveHAREntry(id string, entry any) {
	s.mu.Lock()
	known := s.ix.contains(id)
	s.mu.Unlock()
	if !known {
		s.log.Debug("未知请求的HAR条目已丢弃", "id", id)
		return
	}
	if err := writeJSON(filepath.Join(s.requestDir(id), harEntryFile), entry); err != nil {
		s.log.Warn("HAR条目落盘失败", "id", id, "error", err)
	}
}

// LoadRequests 按捕获顺序加载全部请求
func (s *DiskStorage) LoadRequests() []*capture.Request {
	s.mu.Lock()
	entries := s.ix.snapshot()
	s.mu.Unlock()

	out := make([]*capture.Request, 0, len(entries))
	for _, e := range entries {
		if req := s.load(e); req != nil {
			out = append(out, req)
		}
	}
	return out
}

// LoadLastRequest 返回最近捕获的请求，空存储返回 nil
func (s *DiskStorage) LoadLastRequest() *capture.Request {
	s.mu.Lock()
	entries := s.ix.snapshot()
	s.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}
	return s.load(entries[len(entries)-1])
}

// Iter 按捕获顺序惰性加载请求
func (s *DiskStorage) Iter() <-chan *capture.Request {
	s.mu.Lock()
	entries := s.ix.snapshot()
	s.mu.Unlock()

	ch := make(chan *capture.Request)
	go func() {
		defer close(ch)
		for _, e := range entries {
			if req := s.load(e); req != nil {
				ch <- req
			}
		}
	}()
	return ch
}

// Find 返回首个 URL 匹配 pattern 的请求，checkResponse 要求已有响应
func (s *DiskStorage) Find(pattern string, checkResponse bool) *capture.Request {
	s.mu.Lock()
	entries := s.ix.snapshot()
	s.mu.Unlock()

	e, ok := findIn(entries, pattern, checkResponse)
	if !ok {
		return nil
	}
	return s.load(e)
}

// LoadHAREntries 加载全部 HAR 条目
func (s *DiskStorage) LoadHAREntries() []any {
	s.mu.Lock()
	entries := s.ix.snapshot()
	s.mu.Unlock()

	var out []any
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(s.requestDir(e.id), harEntryFile))
		if err != nil {
			continue
		}
		var entry any
		if err := json.Unmarshal(data, &entry); err != nil {
			s.log.Warn("损坏的HAR条目已跳过", "id", e.id, "error", err)
			continue
		}
		out = append(out, entry)
	}
	return out
}

// ClearRequests 清空捕获记录，之后对旧 id 的写入成为空操作
func (s *DiskStorage) ClearRequests() {
	s.mu.Lock()
	old := s.ix.reset()
	s.mu.Unlock()

	for _, e := range old {
		if err := os.RemoveAll(s.requestDir(e.id)); err != nil {
			s.log.Warn("删除请求目录失败", "id", e.id, "error", err)
		}
	}
}

// Cleanup 删除本会话目录，父目录为空时一并移除
func (s *DiskStorage) Cleanup() {
	if err := os.RemoveAll(s.sessionDir); err != nil {
		s.log.Warn("删除会话目录失败", "path", s.sessionDir, "error", err)
	}
	// 其他会话仍在使用时父目录非空，忽略失败
	os.Remove(s.parentDir)
}

// SessionDir 返回本会话的存储目录
func (s *DiskStorage) SessionDir() string {
	return s.sessionDir
}

func (s *DiskStorage) requestDir(id string) string {
	return filepath.Join(s.sessionDir, "request-"+id)
}

// load 读取一条捕获记录并组装响应、证书与 WebSocket 消息
func (s *DiskStorage) load(e indexEntry) *capture.Request {
	data, err := os.ReadFile(filepath.Join(s.requestDir(e.id), requestFile))
	if err != nil {
		s.log.Warn("不可读的请求工件已跳过", "id", e.id, "error", err)
		return nil
	}
	req := &capture.Request{}
	if err := json.Unmarshal(data, req); err != nil {
		s.log.Warn("损坏的请求工件已跳过", "id", e.id, "error", err)
		return nil
	}

	if e.hasResponse {
		if resp := s.loadResponse(e.id); resp != nil {
			// 证书元数据提升到请求上
			if resp.Cert != nil {
				req.Cert = resp.Cert
				resp.Cert = nil
			}
			req.Response = resp
		}
	}

	if data, err := os.ReadFile(filepath.Join(s.requestDir(e.id), wsMessagesFile)); err == nil {
		json.Unmarshal(data, &req.WSMessages)
	}
	return req
}

func (s *DiskStorage) loadResponse(id string) *capture.Response {
	data, err := os.ReadFile(filepath.Join(s.requestDir(id), responseFile))
	if err != nil {
		s.log.Warn("不可读的响应工件已跳过", "id", id, "error", err)
		return nil
	}
	resp := &capture.Response{}
	if err := json.Unmarshal(data, resp); err != nil {
		s.log.Warn("损坏的响应工件已跳过", "id", id, "error", err)
		return nil
	}

	if enc := resp.Headers.Get("Content-Encoding"); enc != "" {
		body, err := codec.Decode(resp.Body, enc)
		if err != nil {
			s.log.Debug("响应体保持原始编码", "id", id, "encoding", enc, "error", err)
		} else {
			resp.Body = body
		}
	}
	return resp
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

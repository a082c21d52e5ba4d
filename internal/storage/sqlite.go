package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"mitmcap/internal/codec"
	"mitmcap/internal/logger"
	"mitmcap/pkg/capture"
)

type requestRow struct {
	ID   string `gorm:"primaryKey;size:36"`
	URL  string
	Data []byte
}

type responseRow struct {
	RequestID string `gorm:"primaryKey;size:36"`
	Data      []byte
}

type wsMessageRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RequestID string `gorm:"index;size:36"`
	Data      []byte
}

type harEntryRow struct {
	RequestID string `gorm:"primaryKey;size:36"`
	Data      []byte
}

func (requestRow) TableName() string   { return "requests" }
func (responseRow) TableName() string  { return "responses" }
func (wsMessageRow) TableName() string { return "ws_messages" }
func (harEntryRow) TableName() string  { return "har_entries" }

// SQLiteStorage 基于 SQLite 的捕获存储，每次会话使用独立库文件
//
// 捕获顺序仍由内存索引决定，库表只承载载荷。
type SQLiteStorage struct {
	db     *gorm.DB
	dbPath string
	log    logger.Logger

	mu sync.Mutex
	ix index
}

// NewSQLiteStorage 在 baseDir 下创建会话库并清理过期会话库
func NewSQLiteStorage(baseDir string, log logger.Logger) (*SQLiteStorage, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if baseDir == "" {
		baseDir = os.TempDir()
	}

	parent := filepath.Join(baseDir, captureDirName)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	dbPath := filepath.Join(parent, sessionDirPrefix+uuid.NewString()+".db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: NewGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open capture db: %w", err)
	}
	if err := db.AutoMigrate(&requestRow{}, &responseRow{}, &wsMessageRow{}, &harEntryRow{}); err != nil {
		return nil, fmt.Errorf("migrate capture db: %w", err)
	}

	s := &SQLiteStorage{db: db, dbPath: dbPath, log: log}
	s.sweepOldSessions(parent)
	return s, nil
}

func (s *SQLiteStorage) sweepOldSessions(parent string) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-sessionMaxAge)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), sessionDirPrefix) || !strings.HasSuffix(e.Name(), ".db") {
			continue
		}
		path := filepath.Join(parent, e.Name())
		if path == s.dbPath {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.log.Warn("清理过期会话库失败", "path", path, "error", err)
		}
	}
}

// SaveRequest 捕获请求，分配 ID 并写库
func (s *SQLiteStorage) SaveRequest(req *capture.Request) error {
	req.ID = uuid.NewString()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if err := s.db.Create(&requestRow{ID: req.ID, URL: req.URL, Data: data}).Error; err != nil {
		return fmt.Errorf("persist request: %w", err)
	}

	s.mu.Lock()
	s.ix.add(req.ID, req.URL)
	s.mu.Unlock()
	return nil
}

// SaveResponse 保存响应，未知 id 为空操作
func (s *SQLiteStorage) SaveResponse(id string, resp *capture.Response) {
	s.mu.Lock()
	known := s.ix.markResponse(id)
	s.mu.Unlock()
	if !known {
		s.log.Debug("未知请求的响应已丢弃", "id", id)
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Warn("响应序列化失败", "id", id, "error", err)
		return
	}
	if err := s.db.Create(&responseRow{RequestID: id, Data: data}).Error; err != nil {
		s.log.Warn("响应落盘失败", "id", id, "error", err)
	}
}

// SaveWSMessage 追加 WebSocket 消息，未知 id 为空操作
func (s *SQLiteStorage) SaveWSMessage(id string, msg capture.WebSocketMessage) {
	s.mu.Lock()
	known := s.ix.contains(id)
	s.mu.Unlock()
	if !known {
		s.log.Debug("未知请求的WebSocket消息已丢弃", "id", id)
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("WebSocket消息序列化失败", "id", id, "error", err)
		return
	}
	if err := s.db.Create(&wsMessageRow{RequestID: id, Data: data}).Error; err != nil {
		s.log.Warn("WebSocket消息落盘失败", "id", id, "error", err)
	}
}

// SaveHAREntry 保存 HAR 条目，未知 id 为空操作
func (s *SQLiteStorage) SaveHAREntry(id string, entry any) {
	s.mu.Lock()
	known := s.ix.contains(id)
	s.mu.Unlock()
	if !known {
		s.log.Debug("未知请求的HAR条目已丢弃", "id", id)
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		s.log.Warn("HAR条目序列化失败", "id", id, "error", err)
		return
	}
	if err := s.db.Save(&harEntryRow{RequestID: id, Data: data}).Error; err != nil {
		s.log.Warn("HAR条目落盘失败", "id", id, "error", err)
	}
}

// LoadRequests 按捕获顺序加载全部请求
func (s *SQLiteStorage) LoadRequests() []*capture.Request {
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
func (s *SQLiteStorage) LoadLastRequest() *capture.Request {
	s.mu.Lock()
	entries := s.ix.snapshot()
	s.mu.Unlock()
	if len(entries) == 0 {
		return nil
	}
	return s.load(entries[len(entries)-1])
}

// Iter 按捕获顺序惰性加载请求
func (s *SQLiteStorage) Iter() <-chan *capture.Request {
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
func (s *SQLiteStorage) Find(pattern string, checkResponse bool) *capture.Request {
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
func (s *SQLiteStorage) LoadHAREntries() []any {
	s.mu.Lock()
	entries := s.ix.snapshot()
	s.mu.Unlock()

	var out []any
	for _, e := range entries {
		var row harEntryRow
		if err := s.db.First(&row, "request_id = ?", e.id).Error; err != nil {
			continue
		}
		var entry any
		if err := json.Unmarshal(row.Data, &entry); err != nil {
			s.log.Warn("损坏的HAR条目已跳过", "id", e.id, "error", err)
			continue
		}
		out = append(out, entry)
	}
	return out
}

// ClearRequests 清空捕获记录，之后对旧 id 的写入成为空操作
func (s *SQLiteStorage) ClearRequests() {
	s.mu.Lock()
	old := s.ix.reset()
	s.mu.Unlock()

	for _, e := range old {
		s.db.Delete(&requestRow{}, "id = ?", e.id)
		s.db.Delete(&responseRow{}, "request_id = ?", e.id)
		s.db.Delete(&wsMessageRow{}, "request_id = ?", e.id)
		s.db.Delete(&harEntryRow{}, "request_id = ?", e.id)
	}
}

// Cleanup 关闭并删除本会话库文件，父目录为空时一并移除
func (s *SQLiteStorage) Cleanup() {
	if db, err := s.db.DB(); err == nil {
		db.Close()
	}
	if err := os.Remove(s.dbPath); err != nil {
		s.log.Warn("删除会话库文件失败", "path", s.dbPath, "error", err)
	}
	os.Remove(filepath.Dir(s.dbPath))
}

func (s *SQLiteStorage) load(e indexEntry) *capture.Request {
	var row requestRow
	if err := s.db.First(&row, "id = ?", e.id).Error; err != nil {
		s.log.Warn("不可读的请求记录已跳过", "id", e.id, "error", err)
		return nil
	}
	req := &capture.Request{}
	if err := json.Unmarshal(row.Data, req); err != nil {
		s.log.Warn("损坏的请求记录已跳过", "id", e.id, "error", err)
		return nil
	}

	if e.hasResponse {
		var respRow responseRow
		if err := s.db.First(&respRow, "request_id = ?", e.id).Error; err == nil {
			resp := &capture.Response{}
			if err := json.Unmarshal(respRow.Data, resp); err == nil {
				if enc := resp.Headers.Get("Content-Encoding"); enc != "" {
					if body, err := codec.Decode(resp.Body, enc); err == nil {
						resp.Body = body
					}
				}
				if resp.Cert != nil {
					req.Cert = resp.Cert
					resp.Cert = nil
				}
				req.Response = resp
			}
		}
	}

	var wsRows []wsMessageRow
	if err := s.db.Order("id").Find(&wsRows, "request_id = ?", e.id).Error; err == nil {
		for _, w := range wsRows {
			var msg capture.WebSocketMessage
			if err := json.Unmarshal(w.Data, &msg); err == nil {
				req.WSMessages = append(req.WSMessages, msg)
			}
		}
	}
	return req
}

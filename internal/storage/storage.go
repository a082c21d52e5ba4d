// Package storage 负责捕获流量的持久化与检索
package storage

import (
	"fmt"
	"regexp"

	"mitmcap/internal/config"
	"mitmcap/internal/logger"
	"mitmcap/pkg/capture"
)

// Storage 捕获存储接口
//
// SaveRequest 负责且只负责一次 ID 分配；对未知或已清除 ID 的
// 后续写入是记录日志的空操作。LoadRequests 的顺序即捕获顺序。
type Storage interface {
	SaveRequest(req *capture.Request) error
	SaveResponse(id string, resp *capture.Response)
	SaveWSMessage(id string, msg capture.WebSocketMessage)
	SaveHAREntry(id string, entry any)
	LoadRequests() []*capture.Request
	LoadLastRequest() *capture.Request
	Iter() <-chan *capture.Request
	Find(pattern string, checkResponse bool) *capture.Request
	LoadHAREntries() []any
	ClearRequests()
	Cleanup()
}

// sessionDirPrefix 会话目录与库文件的公共前缀
const sessionDirPrefix = "storage-"

// captureDirName 各会话目录的公共父目录名
const captureDirName = ".mitmcap"

// indexEntry 捕获顺序索引项，索引是唯一的排序依据
type indexEntry struct {
	id          string
	url         string
	hasResponse bool
}

type index struct {
	entries []indexEntry
}

func (ix *index) add(id, url string) {
	ix.entries = append(ix.entries, indexEntry{id: id, url: url})
}

func (ix *index) markResponse(id string) bool {
	for i := range ix.entries {
		if ix.entries[i].id == id {
			ix.entries[i].hasResponse = true
			return true
		}
	}
	return false
}

func (ix *index) contains(id string) bool {
	for i := range ix.entries {
		if ix.entries[i].id == id {
			return true
		}
	}
	return false
}

func (ix *index) snapshot() []indexEntry {
	out := make([]indexEntry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

func (ix *index) reset() []indexEntry {
	old := ix.entries
	ix.entries = nil
	return old
}

// New 按配置创建存储后端
func New(cfg *config.Config, log logger.Logger) (Storage, error) {
	switch cfg.Storage.Backend {
	case "", "disk":
		return NewDiskStorage(cfg.Storage.BaseDir, log)
	case "memory":
		return NewMemoryStorage(cfg.Storage.MaxSize, log), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.Storage.BaseDir, log)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// findIn 在索引快照中定位首个 URL 匹配 pattern 的条目
func findIn(entries []indexEntry, pattern string, checkResponse bool) (indexEntry, bool) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return indexEntry{}, false
	}
	for _, e := range entries {
		if checkResponse && !e.hasResponse {
			continue
		}
		if re.FindStringIndex(e.url) != nil {
			return e, true
		}
	}
	return indexEntry{}, false
}

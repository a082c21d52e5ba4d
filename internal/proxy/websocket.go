package proxy

import (
	"io"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"mitmcap/pkg/capture"
)

// relayWebSocket 在客户端与源站之间双向转发 WebSocket 帧
//
// reqID 非空时把数据帧记入捕获存储。任一方向结束即关闭对端连接，
// 调用阻塞直到两个方向都退出。
func (h *connHandler) relayWebSocket(reqID string, uc *upstreamConn) {
	var wg sync.WaitGroup
	wg.Add(2)

	// 客户端到源站
	go func() {
		defer wg.Done()
		defer uc.conn.Close()

		reader := wsutil.NewReader(h.reader, ws.StateServerSide)
		for {
			header, err := reader.NextFrame()
			if err != nil {
				if err != io.EOF && !isClosedErr(err) {
					h.log.Debug("读取客户端WebSocket帧失败", "error", err)
				}
				return
			}
			payload, err := io.ReadAll(reader)
			if err != nil {
				h.log.Debug("读取客户端WebSocket载荷失败", "error", err)
				return
			}

			h.captureFrame(reqID, header.OpCode, payload, true)

			if err := wsutil.WriteClientMessage(uc.conn, header.OpCode, payload); err != nil {
				h.log.Debug("转发WebSocket帧到源站失败", "error", err)
				return
			}
			if header.OpCode == ws.OpClose {
				return
			}
		}
	}()

	// 源站到客户端
	go func() {
		defer wg.Done()
		defer h.conn.Close()

		reader := wsutil.NewReader(uc.br, ws.StateClientSide)
		for {
			header, err := reader.NextFrame()
			if err != nil {
				if err != io.EOF && !isClosedErr(err) {
					h.log.Debug("读取源站WebSocket帧失败", "error", err)
				}
				return
			}
			payload, err := io.ReadAll(reader)
			if err != nil {
				h.log.Debug("读取源站WebSocket载荷失败", "error", err)
				return
			}

			h.captureFrame(reqID, header.OpCode, payload, false)

			if err := wsutil.WriteServerMessage(h.conn, header.OpCode, payload); err != nil {
				h.log.Debug("转发WebSocket帧到客户端失败", "error", err)
				return
			}
			if header.OpCode == ws.OpClose {
				return
			}
		}
	}()

	wg.Wait()
}

// captureFrame 把数据帧记入捕获存储，控制帧不记录
func (h *connHandler) captureFrame(reqID string, op ws.OpCode, payload []byte, fromClient bool) {
	if reqID == "" {
		return
	}
	if op != ws.OpText && op != ws.OpBinary {
		return
	}
	h.p.store.SaveWSMessage(reqID, capture.WebSocketMessage{
		FromClient: fromClient,
		Binary:     op == ws.OpBinary,
		Content:    payload,
		Date:       time.Now(),
	})
}

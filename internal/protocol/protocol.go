// ============================================================================
// castpool Protocol - Scheduler / Worker 訊息協議
// ============================================================================
//
// Package: internal/protocol
// File: protocol.go
// Purpose: 定義 scheduler 與 worker process 之間的訊息格式與編解碼
//
// 傳輸方式:
//   每個 worker process 透過一對 pipe 與 scheduler 溝通：
//   - scheduler -> worker: worker 的 stdin
//   - worker -> scheduler: worker 的 stdout
//   每行一個 JSON 物件（line-delimited JSON）。
//
// 訊息類型:
//   scheduler -> worker:  prepare{task}  run  end
//   worker -> scheduler:  ready  finish{finish}  <custom>{data}
//
//   任何非 lifecycle 的 type 都視為自訂事件，原樣轉交給註冊的 handler。
//
// 錯誤處理:
//   無法解析的行回傳 ErrMalformedMessage，讀取端記錄後繼續讀下一行。
//
// ============================================================================

package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ChuLiYu/castpool/pkg/types"
)

// MessageType 訊息類型
type MessageType string

const (
	TypePrepare MessageType = "prepare" // 指派任務，worker 載入 handler
	TypeRun     MessageType = "run"     // 開始執行已準備好的任務
	TypeEnd     MessageType = "end"     // teardown 並結束 process
	TypeReady   MessageType = "ready"   // handler 已載入
	TypeFinish  MessageType = "finish"  // 任務完成回報
)

// maxLineSize 單行訊息上限
const maxLineSize = 4 << 20

var (
	// ErrMalformedMessage 表示收到無法解析的訊息
	ErrMalformedMessage = errors.New("protocol: malformed message")
)

// Message 是在 pipe 上傳輸的單一訊息
type Message struct {
	Type   MessageType     `json:"type"`
	Task   *types.Task     `json:"task,omitempty"`
	Finish *types.Finish   `json:"finish,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// IsLifecycle 判斷是否為協議內建的訊息類型
func (m Message) IsLifecycle() bool {
	switch m.Type {
	case TypePrepare, TypeRun, TypeEnd, TypeReady, TypeFinish:
		return true
	}
	return false
}

// Prepare 建立 prepare 訊息
func Prepare(task types.Task) Message {
	return Message{Type: TypePrepare, Task: &task}
}

// FinishMessage 建立 finish 訊息
func FinishMessage(f types.Finish) Message {
	return Message{Type: TypeFinish, Finish: &f}
}

// Custom 建立自訂事件訊息，data 會被序列化為 JSON
func Custom(event string, data any) (Message, error) {
	msg := Message{Type: MessageType(event)}
	if msg.IsLifecycle() || event == "" {
		return Message{}, fmt.Errorf("protocol: %q is not a valid custom event name", event)
	}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: encode %s data: %w", event, err)
	}
	msg.Data = raw
	return msg, nil
}

// ============================================================================
// Encoder / Decoder
// ============================================================================

// Encoder 將訊息以一行一個 JSON 寫出，可被多個 goroutine 共用
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder 建立 Encoder
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode 寫出單一訊息（json.Encoder 會自動附加換行）
func (e *Encoder) Encode(msg Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(msg); err != nil {
		return fmt.Errorf("protocol: write %s: %w", msg.Type, err)
	}
	return nil
}

// Decoder 逐行讀取訊息
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder 建立 Decoder
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{scanner: s}
}

// Decode 讀取下一則訊息
//
// 返回值：
//   - io.EOF: 對端已關閉
//   - ErrMalformedMessage: 此行無法解析，可繼續呼叫 Decode
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if msg.Type == "" {
			return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}

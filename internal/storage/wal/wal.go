package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 以 append-only 檔案持久化 stream / consumer group 的所有變更
// 2. 啟動時重放日誌恢復記憶體狀態（streams、groups、pending）
// 3. 提供與 Redis Streams 相同語意的 queue.LogStore 實作
// 4. 壓縮：只保留仍有意義的 entry 並原子性替換檔案
//
// 每個操作都先寫 WAL，再修改記憶體狀態（Write-Ahead）。
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/castpool/internal/queue"
)

var log = slog.Default()

// WAL 表示 Write-Ahead Log 實例，同時也是 queue.LogStore
type WAL struct {
	mu           sync.Mutex // 保護檔案與記憶體狀態
	file         *os.File   // WAL 檔案
	lock         *os.File   // <path>.lock，持有期間其他 process 無法開啟
	path         string     // WAL 檔案路徑
	seq          uint64     // 當前事件序號
	syncOnAppend bool       // 是否每次追加都強制同步
	closed       bool

	streams map[string]*stream
	now     func() time.Time
}

type record struct {
	id     entryID
	fields []string
}

type stream struct {
	entries []record // 依 id 排序
	lastID  entryID
	groups  map[string]*group
}

type pendingEntry struct {
	consumer   string
	deliveries int
}

type group struct {
	lastDelivered entryID
	pending       map[entryID]*pendingEntry
}

var _ queue.LogStore = (*WAL)(nil)
var _ queue.PendingCounter = (*WAL)(nil)

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，重放所有事件恢復狀態並延續 seq
- 最後一行若是未寫完的事件（crash 時的 torn write），截斷後繼續
- 同一路徑只能被一個實例開啟：第二個開啟者得到 ErrWALLocked

WAL 只在開啟時重放一次，不會讀到其他 process 追加的事件，
因此多個 process 共用佇列時必須使用 redis backend。
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	w := &WAL{
		path:         path,
		syncOnAppend: syncOnAppend,
		streams:      make(map[string]*stream),
		now:          time.Now,
	}

	lock, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	w.lock = lock

	if err := w.recover(); err != nil {
		unlockFile(lock)
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		unlockFile(lock)
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	w.file = file

	return w, nil
}

// CreateGroup 建立 consumer group；stream 不存在時自動建立
func (w *WAL) CreateGroup(_ context.Context, streamName, groupName, startID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	s := w.streams[streamName]
	if s != nil {
		if _, ok := s.groups[groupName]; ok {
			return fmt.Errorf("wal: group %s on %s: %w", groupName, streamName, queue.ErrGroupExists)
		}
	}

	var start entryID
	switch startID {
	case queue.StartNewOnly, "":
		if s != nil {
			start = s.lastID
		}
	default:
		id, err := parseID(startID)
		if err != nil {
			return err
		}
		start = id
	}

	return w.commit(Event{Type: EventGroup, Stream: streamName, Group: groupName, ID: start.String()})
}

// Append 追加一筆 entry；id 為 "*" 時自動產生
func (w *WAL) Append(_ context.Context, streamName, id string, fields []string) (string, error) {
	if len(fields) == 0 || len(fields)%2 != 0 {
		return "", ErrInvalidFields
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return "", ErrWALClosed
	}

	var last entryID
	if s := w.streams[streamName]; s != nil {
		last = s.lastID
	}

	var assigned entryID
	if id == queue.AutoID || id == "" {
		assigned = nextID(last, uint64(w.now().UnixMilli()))
	} else {
		parsed, err := parseID(id)
		if err != nil {
			return "", err
		}
		if parsed.isZero() || !last.less(parsed) {
			return "", fmt.Errorf("%w: %s <= %s", ErrIDTooSmall, parsed, last)
		}
		assigned = parsed
	}

	err := w.commit(Event{Type: EventAppend, Stream: streamName, ID: assigned.String(), Fields: fields})
	if err != nil {
		return "", err
	}
	return assigned.String(), nil
}

// ReadGroup 讀取 consumer group 的 entry
//
// fromID 為 ">" 時投遞從未投遞過的 entry 並加入 pending；
// 其他值返回此 consumer pending 中 id 大於 fromID 的 entry。
func (w *WAL) ReadGroup(_ context.Context, streamName, groupName, consumer string, count int, fromID string) ([]queue.Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWALClosed
	}

	s, g, err := w.lookup(streamName, groupName)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = len(s.entries)
	}

	if fromID == queue.ReadNew {
		idx := sort.Search(len(s.entries), func(i int) bool {
			return g.lastDelivered.less(s.entries[i].id)
		})
		end := min(idx+count, len(s.entries))
		if idx >= end {
			return nil, nil
		}
		batch := s.entries[idx:end]

		ids := make([]string, len(batch))
		for i, r := range batch {
			ids[i] = r.id.String()
		}
		if err := w.commit(Event{Type: EventDeliver, Stream: streamName, Group: groupName, Consumer: consumer, IDs: ids}); err != nil {
			return nil, err
		}
		return toEntries(batch), nil
	}

	after, err := parseID(fromID)
	if err != nil {
		return nil, err
	}

	owned := make([]entryID, 0)
	for id, p := range g.pending {
		if p.consumer == consumer && after.less(id) {
			owned = append(owned, id)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].less(owned[j]) })
	if len(owned) > count {
		owned = owned[:count]
	}

	out := make([]queue.Entry, 0, len(owned))
	for _, id := range owned {
		g.pending[id].deliveries++
		r, ok := s.find(id)
		if !ok {
			// 已被壓縮掉的 entry，與 Redis 一樣回傳空欄位
			out = append(out, queue.Entry{ID: id.String()})
			continue
		}
		out = append(out, queue.Entry{ID: id.String(), Fields: append([]string(nil), r.fields...)})
	}
	return out, nil
}

// Ack 自 pending 移除 entry，返回實際移除的數量
func (w *WAL) Ack(_ context.Context, streamName, groupName string, ids ...string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	_, g, err := w.lookup(streamName, groupName)
	if err != nil {
		return 0, nil
	}

	acked := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := parseID(raw)
		if err != nil {
			return 0, err
		}
		if _, ok := g.pending[id]; ok {
			acked = append(acked, id.String())
		}
	}
	if len(acked) == 0 {
		return 0, nil
	}

	if err := w.commit(Event{Type: EventAck, Stream: streamName, Group: groupName, IDs: acked}); err != nil {
		return 0, err
	}
	return int64(len(acked)), nil
}

// Pending 返回 group 目前的 pending 數量
func (w *WAL) Pending(_ context.Context, streamName, groupName string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, g, err := w.lookup(streamName, groupName)
	if err != nil {
		return 0, err
	}
	return int64(len(g.pending)), nil
}

// Len 返回 stream 中保留的 entry 數量
func (w *WAL) Len(streamName string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if s := w.streams[streamName]; s != nil {
		return len(s.entries)
	}
	return 0
}

// GetLastSeq 取得當前的事件序號
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path 返回 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// Close 關閉 WAL，之後所有操作返回 ErrWALClosed
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	defer unlockFile(w.lock)

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// commit 寫入事件後套用到記憶體狀態，呼叫者必須持有 w.mu
func (w *WAL) commit(event Event) error {
	event.Seq = w.seq + 1
	event.Timestamp = w.now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("wal: encode seq=%d: %w", event.Seq, err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("wal: write seq=%d: %w", event.Seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync seq=%d: %w", event.Seq, err)
		}
	}

	w.seq = event.Seq
	return w.apply(event)
}

// apply 將事件套用到記憶體狀態（live 與 replay 共用）
func (w *WAL) apply(event Event) error {
	s := w.streams[event.Stream]
	if s == nil {
		s = &stream{groups: make(map[string]*group)}
		w.streams[event.Stream] = s
	}

	switch event.Type {
	case EventStream:
		id, err := parseID(event.ID)
		if err != nil {
			return err
		}
		if s.lastID.less(id) {
			s.lastID = id
		}

	case EventGroup:
		id, err := parseID(event.ID)
		if err != nil {
			return err
		}
		s.groups[event.Group] = &group{lastDelivered: id, pending: make(map[entryID]*pendingEntry)}

	case EventAppend:
		id, err := parseID(event.ID)
		if err != nil {
			return err
		}
		s.entries = append(s.entries, record{id: id, fields: event.Fields})
		if s.lastID.less(id) {
			s.lastID = id
		}

	case EventDeliver:
		g := s.groups[event.Group]
		if g == nil {
			return fmt.Errorf("%w: %s", ErrGroupNotFound, event.Group)
		}
		for _, raw := range event.IDs {
			id, err := parseID(raw)
			if err != nil {
				return err
			}
			g.pending[id] = &pendingEntry{consumer: event.Consumer, deliveries: 1}
			if g.lastDelivered.less(id) {
				g.lastDelivered = id
			}
		}

	case EventAck:
		g := s.groups[event.Group]
		if g == nil {
			return nil
		}
		for _, raw := range event.IDs {
			id, err := parseID(raw)
			if err != nil {
				return err
			}
			delete(g.pending, id)
		}

	default:
		return fmt.Errorf("%w: unknown event type %q", ErrCorruptedWAL, event.Type)
	}
	return nil
}

func (w *WAL) lookup(streamName, groupName string) (*stream, *group, error) {
	s := w.streams[streamName]
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamName)
	}
	g := s.groups[groupName]
	if g == nil {
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrGroupNotFound, groupName, streamName)
	}
	return s, g, nil
}

func (s *stream) find(id entryID) (record, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].id.less(id) })
	if i < len(s.entries) && s.entries[i].id == id {
		return s.entries[i], true
	}
	return record{}, false
}

func toEntries(records []record) []queue.Entry {
	out := make([]queue.Entry, len(records))
	for i, r := range records {
		out[i] = queue.Entry{ID: r.id.String(), Fields: append([]string(nil), r.fields...)}
	}
	return out
}

package wal

// ============================================================================
// 重放與壓縮
// 職責：
// 1. 啟動時逐行重放事件，驗證 checksum，處理末尾 torn write
// 2. Compact：以目前狀態重寫日誌（temp file + rename），丟棄已被所有 group 確認的 entry
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Replay 重放檔案中的所有事件並交給 handler
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 遇到錯誤立即停止
// - 末尾沒有換行的殘缺事件會被忽略並回報其 offset
//
// 回傳：最後一個完整事件之後的 byte offset
func Replay(path string, handler EventHandler) (int64, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer file.Close()

	reader := bufio.NewReaderSize(file, 64*1024)
	var (
		offset  int64
		lastSeq uint64
	)

	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// 沒有換行結尾的殘缺事件（寫入中途 crash）
			return offset, nil
		}
		if err != nil {
			return offset, err
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			offset += int64(len(line))
			continue
		}

		var event Event
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return offset, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: fmt.Errorf("%w: %v", ErrCorruptedWAL, err)}
		}
		if !VerifyChecksum(event) {
			return offset, &CorruptionError{Seq: lastSeq, Offset: offset, Cause: ErrChecksumMismatch}
		}

		if err := handler(event); err != nil {
			return offset, err
		}
		lastSeq = event.Seq
		offset += int64(len(line))
	}
}

// recover 重放既有日誌並截斷末尾殘缺事件
func (w *WAL) recover() error {
	good, err := Replay(w.path, func(event Event) error {
		if err := w.apply(event); err != nil {
			return err
		}
		w.seq = event.Seq
		return nil
	})
	if err != nil {
		return err
	}

	info, err := os.Stat(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() > good {
		log.Warn("Truncating torn WAL tail", "path", w.path, "size", info.Size(), "offset", good)
		if err := os.Truncate(w.path, good); err != nil {
			return fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	log.Debug("WAL replayed", "path", w.path, "seq", w.seq, "streams", len(w.streams))
	return nil
}

// Compact 以目前狀態重寫日誌
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
// 3. 重新開啟檔案繼續追加
//
// 有 consumer group 的 stream 中，已被每個 group 投遞且確認的 entry 會被丟棄。
//
// 返回值：被丟棄的 entry 數量
func (w *WAL) Compact() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	events, dropped := w.snapshotEvents()

	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("wal: create %s: %w", tmpPath, err)
	}

	writer := bufio.NewWriter(tmp)
	var seq uint64
	for _, event := range events {
		seq++
		event.Seq = seq
		event.Timestamp = w.now().UnixMilli()
		event.Checksum = CalculateChecksum(event)
		line, err := json.Marshal(event)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return 0, err
		}
		writer.Write(line)
		writer.WriteByte('\n')
	}

	if err := writer.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: write %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := w.file.Close(); err != nil {
		return 0, err
	}
	renameErr := os.Rename(tmpPath, w.path)
	if renameErr == nil {
		syncDir(filepath.Dir(w.path))
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		w.closed = true
		return 0, fmt.Errorf("wal: reopen %s: %w", w.path, err)
	}
	w.file = file
	if renameErr != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("wal: rename %s: %w", tmpPath, renameErr)
	}
	w.seq = seq

	// 記憶體狀態與新檔案一致
	for _, s := range w.streams {
		s.entries = retained(s)
	}

	log.Info("WAL compacted", "path", w.path, "events", len(events), "dropped", dropped)
	return dropped, nil
}

// snapshotEvents 產生能重建目前狀態的最小事件序列，呼叫者必須持有 w.mu
func (w *WAL) snapshotEvents() ([]Event, int) {
	names := make([]string, 0, len(w.streams))
	for name := range w.streams {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		events  []Event
		dropped int
	)
	for _, name := range names {
		s := w.streams[name]
		keep := retained(s)
		dropped += len(s.entries) - len(keep)

		for _, r := range keep {
			events = append(events, Event{Type: EventAppend, Stream: name, ID: r.id.String(), Fields: r.fields})
		}
		events = append(events, Event{Type: EventStream, Stream: name, ID: s.lastID.String()})

		groupNames := make([]string, 0, len(s.groups))
		for g := range s.groups {
			groupNames = append(groupNames, g)
		}
		sort.Strings(groupNames)

		for _, gname := range groupNames {
			g := s.groups[gname]
			events = append(events, Event{Type: EventGroup, Stream: name, Group: gname, ID: g.lastDelivered.String()})

			byConsumer := make(map[string][]entryID)
			for id, p := range g.pending {
				byConsumer[p.consumer] = append(byConsumer[p.consumer], id)
			}
			consumers := make([]string, 0, len(byConsumer))
			for c := range byConsumer {
				consumers = append(consumers, c)
			}
			sort.Strings(consumers)

			for _, c := range consumers {
				ids := byConsumer[c]
				sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })
				strs := make([]string, len(ids))
				for i, id := range ids {
					strs[i] = id.String()
				}
				events = append(events, Event{Type: EventDeliver, Stream: name, Group: gname, Consumer: c, IDs: strs})
			}
		}
	}
	return events, dropped
}

// retained 返回仍需保留的 entry：沒有 group 時全部保留，
// 否則保留任一 group 尚未投遞或仍 pending 的 entry
func retained(s *stream) []record {
	if len(s.groups) == 0 {
		return s.entries
	}
	keep := make([]record, 0, len(s.entries))
	for _, r := range s.entries {
		for _, g := range s.groups {
			_, pending := g.pending[r.id]
			if pending || g.lastDelivered.less(r.id) {
				keep = append(keep, r)
				break
			}
		}
	}
	return keep
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

package wal

// ============================================================================
// WAL 工具函式
// 職責：entry id 的解析、比較與產生
// ============================================================================

import (
	"fmt"
	"strconv"
	"strings"
)

// entryID 是 "<ms>-<seq>" 形式的 stream entry id
type entryID struct {
	ms  uint64
	seq uint64
}

func (id entryID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func (id entryID) less(o entryID) bool {
	if id.ms != o.ms {
		return id.ms < o.ms
	}
	return id.seq < o.seq
}

func (id entryID) isZero() bool {
	return id.ms == 0 && id.seq == 0
}

// parseID 解析 "<ms>-<seq>" 或 "<ms>"（seq 預設 0）
func parseID(s string) (entryID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return entryID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
	}
	return entryID{ms: ms, seq: seq}, nil
}

// nextID 產生大於 last 的 id，時間倒退時沿用 last.ms 並遞增 seq
func nextID(last entryID, nowMs uint64) entryID {
	if nowMs > last.ms {
		return entryID{ms: nowMs}
	}
	return entryID{ms: last.ms, seq: last.seq + 1}
}

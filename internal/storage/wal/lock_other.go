//go:build !unix

package wal

import "os"

// 非 unix 平台沒有 flock，WAL 的單一 process 限制只能靠部署保證
func lockFile(string) (*os.File, error) { return nil, nil }

func unlockFile(*os.File) error { return nil }

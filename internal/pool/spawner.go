package pool

// ============================================================================
// Process Spawner
// 職責：建立 worker process，提供 stdin（指令）/ stdout（事件）兩條 pipe
//
//   ExecSpawner:   重新執行自身 binary 的隱藏子命令（預設 "_worker"）
//   InProcSpawner: 在同一 process 內以 goroutine + io.Pipe 執行 worker.Runtime
// ============================================================================

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/castpool/internal/worker"
)

// Process 是 scheduler 看到的 worker process
type Process struct {
	PID    int
	Stdin  io.WriteCloser // scheduler -> worker
	Stdout io.Reader      // worker -> scheduler
	Wait   func() error   // 讀完 Stdout 後呼叫，阻塞到 process 結束
	Kill   func() error   // 強制結束
}

// Spawner 建立新的 worker process
type Spawner interface {
	Spawn(ctx context.Context) (*Process, error)
}

// ============================================================================
// ExecSpawner
// ============================================================================

// StderrFunc 處理 worker process 的 stderr 每一行
type StderrFunc func(pid int, line string)

// ExecSpawner 以子 process 執行 worker
type ExecSpawner struct {
	Path   string     // 預設為 os.Executable()
	Args   []string   // 例如 ["_worker", "--config", "configs/castpool.yaml"]
	Env    []string   // nil 表示繼承
	Stderr StderrFunc // nil 表示原樣寫到 os.Stderr
}

// Spawn 啟動子 process
func (s *ExecSpawner) Spawn(_ context.Context) (*Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("pool: resolve executable: %w", err)
		}
		path = exe
	}

	// 不使用 CommandContext：worker 的生命週期由 end 指令與 shutdown 流程控制
	cmd := exec.Command(path, s.Args...)
	if s.Env != nil {
		cmd.Env = s.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr io.ReadCloser
	if s.Stderr != nil {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return nil, err
		}
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: start worker %s: %w", path, err)
	}
	pid := cmd.Process.Pid

	var stderrDone sync.WaitGroup
	if stderr != nil {
		stderrDone.Add(1)
		go func() {
			defer stderrDone.Done()
			processStderr(pid, stderr, s.Stderr)
		}()
	}

	return &Process{
		PID:    pid,
		Stdin:  stdin,
		Stdout: stdout,
		Wait: func() error {
			stderrDone.Wait()
			return cmd.Wait()
		},
		Kill: cmd.Process.Kill,
	}, nil
}

func processStderr(pid int, stderr io.Reader, fn StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		fn(pid, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.Error("processing worker stderr", "pid", pid, "error", err)
	}
}

// ============================================================================
// InProcSpawner
// ============================================================================

// InProcSpawner 在目前 process 內執行 worker.Runtime，PID 為遞增的虛擬編號
type InProcSpawner struct {
	Registry *worker.Registry
	Options  []worker.Option

	nextPID atomic.Int64
}

// Spawn 啟動一個 goroutine worker
func (s *InProcSpawner) Spawn(_ context.Context) (*Process, error) {
	if s.Registry == nil {
		return nil, errors.New("pool: in-process spawner has no registry")
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	rt := worker.NewRuntime(s.Registry, inR, outW, s.Options...)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		err := rt.Serve(runCtx)
		outW.Close()
		inR.Close()
		done <- err
	}()

	return &Process{
		PID:    int(s.nextPID.Add(1)),
		Stdin:  inW,
		Stdout: outR,
		Wait: func() error {
			err := <-done
			cancel()
			return err
		},
		Kill: func() error {
			cancel()
			return nil
		},
	}, nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/castpool/pkg/types"
)

func buildEnqueueCommand() *cobra.Command {
	var taskFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue tasks from a YAML or JSON file",
		Long:  "Read task definitions from a YAML or JSON file (or stdin with -f -) and append them to the log stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskFile == "" {
				return fmt.Errorf("task file is required (use --file or -f)")
			}
			return enqueueTasks(cmd, taskFile)
		},
	}

	cmd.Flags().StringVarP(&taskFile, "file", "f", "", "YAML/JSON file containing task definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueTasks(cmd *cobra.Command, path string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	var data []byte
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("failed to read task file: %w", err)
	}

	tasks, err := parseTasks(data)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("no tasks found in %s", path)
	}

	ctx := cmd.Context()
	ctrl, closeStore, err := openController(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ids, err := ctrl.Enqueue(ctx, tasks...)
	if err != nil {
		return fmt.Errorf("failed to enqueue tasks: %w", err)
	}

	out := cmd.OutOrStdout()
	for i, id := range ids {
		fmt.Fprintf(out, "%s\t%s\t%s\n", id, tasks[i].ID, tasks[i].Handler)
	}
	logger.Info("Tasks enqueued", "count", len(ids), "topic", cfg.Queue.Topic)
	return nil
}

// parseTasks 解析任務清單
//
// YAML 是 JSON 的超集，所以先以 YAML 解析成通用結構，
// 再經由 JSON 轉成 types.Task，讓兩種格式共用 json tag（timeout_ms、pre_args）。
// 沒有 id 的任務會得到新的 UUID。
func parseTasks(data []byte) ([]types.Task, error) {
	var raw []map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	var tasks []types.Task
	if err := json.Unmarshal(buf, &tasks); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}

	for i := range tasks {
		if tasks[i].ID == "" {
			tasks[i].ID = types.TaskID(uuid.NewString())
		}
		if err := tasks[i].Validate(); err != nil {
			return nil, fmt.Errorf("task #%d (%s): %w", i, tasks[i].ID, err)
		}
	}
	return tasks, nil
}

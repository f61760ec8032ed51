package walph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/masc-io/masc/pkg/models"
)

// maxCommandOutput caps captured stdout per execution.
const maxCommandOutput = 64 * 1024

// CommandExecutor runs an external command once per claimed task. The
// task record is written to the command's stdin as JSON; stdout becomes
// the completion notes. A non-zero exit fails the execution and the
// loop releases the task.
type CommandExecutor struct {
	Command string
	Args    []string
	// Timeout bounds one execution. Zero means no bound beyond ctx.
	Timeout time.Duration
}

var _ Executor = (*CommandExecutor)(nil)

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, task *models.Task) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	// Children inheriting the output pipe would otherwise keep Run
	// blocked past the deadline after the command itself is killed.
	cmd.WaitDelay = time.Second
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(cmd.Environ(),
		"MASC_TASK_ID="+task.ID,
		"MASC_TASK_TITLE="+task.Title,
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("task %s command: %w: %s", task.ID, err, clip(out.String(), 512))
	}
	return clip(out.String(), maxCommandOutput), nil
}

// clip hard-cuts s at n bytes. Unlike truncate it adds no marker: the
// output lands in completion notes and error text verbatim.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

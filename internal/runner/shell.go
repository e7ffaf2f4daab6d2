package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/collectibles/dbtflow/internal/domain"
)

// Значения по умолчанию для ShellExecutor.
const (
	defaultShell       = "sh"
	defaultWaitDelay   = 10 * time.Second
	defaultOutputLimit = 16 * 1024
)

// ShellExecutor запускает команду шага через "sh -c".
//
// Окружение процесса наследуется, step.Env добавляется поверх.
// Stdout и stderr пишутся в общий буфер, в результат попадает
// последние OutputLimit байт.
type ShellExecutor struct {
	// Shell — интерпретатор (default: "sh").
	Shell string

	// WaitDelay — сколько ждать закрытия pipe после kill (default: 10s).
	// Нужен, когда дочерние процессы dbt держат stdout открытым.
	WaitDelay time.Duration

	// OutputLimit — размер хвоста вывода в байтах (default: 16KiB).
	OutputLimit int
}

// Execute запускает команду и ждёт её завершения или отмены ctx.
func (e *ShellExecutor) Execute(ctx context.Context, step *domain.StepSpec) (*ExecutionResult, error) {
	shell := e.Shell
	if shell == "" {
		shell = defaultShell
	}
	waitDelay := e.WaitDelay
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}
	limit := e.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}

	out := newTailBuffer(limit)

	cmd := exec.CommandContext(ctx, shell, "-c", step.Command)
	cmd.Dir = step.Dir
	cmd.Env = mergeEnv(os.Environ(), step.Env)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	result := &ExecutionResult{ExitCode: -1, Output: out.String()}

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// -1, если процесс убит сигналом (таймаут)
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	if errors.Is(err, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
		return result, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, fmt.Errorf("run %s: %w", shell, err)
}

// mergeEnv накладывает overlay на base в формате KEY=VALUE.
// Ключи overlay добавляются в отсортированном порядке.
func mergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	// exec.Cmd берёт последнее значение при дублировании ключа
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

// tailBuffer хранит последние limit байт записанного.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

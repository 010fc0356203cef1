package builder

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner 并行任务执行抽象。构建流程通过它分发分片任务，
// 本地用goroutine池执行，后续可替换为远程执行器。
type TaskRunner interface {
	// Run 并行执行所有任务，任一失败即取消其余任务并返回首个错误
	Run(ctx context.Context, tasks []func(ctx context.Context) error) error
}

// LocalTaskRunner 本进程内的并行执行器
type LocalTaskRunner struct {
	maxWorkers int
}

// NewLocalTaskRunner 创建本地执行器
func NewLocalTaskRunner(maxWorkers int) *LocalTaskRunner {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &LocalTaskRunner{maxWorkers: maxWorkers}
}

func (r *LocalTaskRunner) Run(ctx context.Context, tasks []func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxWorkers)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return task(ctx)
		})
	}
	return g.Wait()
}

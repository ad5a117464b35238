package parallel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapRunsConcurrentlyAndPreservesOrder(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	out, err := Map(context.Background(), items, 3, func(ctx context.Context, i int) (int, error) {
		return i * i, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 4, 9, 16, 25}, out)
}

func TestMapPropagatesError(t *testing.T) {
	items := []int{1, 2, 3}
	_, err := Map(context.Background(), items, 2, func(ctx context.Context, i int) (int, error) {
		if i == 2 {
			return 0, errors.New("boom")
		}
		return i, nil
	})
	require.Error(t, err)
}

func TestForEachVisitsEveryItem(t *testing.T) {
	var count int64
	items := []int{1, 2, 3, 4}
	err := ForEach(context.Background(), items, 4, func(ctx context.Context, i int) error {
		atomic.AddInt64(&count, 1)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 4, count)
}

func TestPipelineRunsStagesSequentially(t *testing.T) {
	var order []string
	p := NewPipeline()
	p.AddStage("a", true, NewTask("a1", func(ctx context.Context) error {
		order = append(order, "a1")
		return nil
	}))
	p.AddStage("b", false, NewTask("b1", func(ctx context.Context) error {
		order = append(order, "b1")
		return nil
	}))

	require.NoError(t, p.Execute(context.Background(), 2))
	require.Equal(t, []string{"a1", "b1"}, order)
}

func TestExecutorFailFastReportsError(t *testing.T) {
	executor := NewExecutor(WithWorkers(1), WithFailFast(true))
	results := executor.Execute(context.Background(), []Task{
		NewTask("fails", func(ctx context.Context) error { return errors.New("nope") }),
	})
	require.True(t, HasErrors(results))
}

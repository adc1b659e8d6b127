package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/solatis/synthkeeper/internal/types"
)

type Mock struct {
	mock.Mock
}

var errRetryable = errors.New("this error is retryable")

func (m *Mock) Task(context.Context) (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *Mock) Eval(context.Context) error {
	args := m.Called()
	return args.Error(0)
}

func TestRetry_NoRetry(t *testing.T) {
	m := new(Mock)
	m.On("Task").Return(false, nil)

	r := Retry{}
	err := r.Start(context.Background(), "TestNoRetry", m.Task)

	require.NoError(t, err)
	m.AssertNumberOfCalls(t, "Task", 1)
}

func TestRetry_MaxAttempts(t *testing.T) {
	m := new(Mock)
	m.On("Task").Return(true, errRetryable)

	r := Retry{MaxAttempts: 3}
	err := r.Start(context.Background(), "TestMaxAttempts", m.Task)

	require.EqualError(t, err, errRetryable.Error())
	m.AssertNumberOfCalls(t, "Task", 3)
}

func TestRetry_DefaultAttempts(t *testing.T) {
	m := new(Mock)
	m.On("Task").Return(true, errRetryable)

	r := Retry{}
	_ = r.Start(context.Background(), "TestDefaultAttempts", m.Task)

	m.AssertNumberOfCalls(t, "Task", 3)
}

func TestRetry_UntilSuccess(t *testing.T) {
	m := new(Mock)
	m.On("Task").Twice().Return(true, errRetryable)
	m.On("Task").Once().Return(false, nil)

	r := Retry{MaxAttempts: 5, MinInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	err := r.Start(context.Background(), "TestUntilSuccess", m.Task)

	require.NoError(t, err)
	m.AssertNumberOfCalls(t, "Task", 3)
}

func TestRetry_Classification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		retry Retry
		calls int
	}{
		{"unavailable retried", types.NewTransitory("sensor.a", types.StateUnavailable), Retry{RetryOnUnavailable: true}, 3},
		{"unavailable disabled", types.NewTransitory("sensor.a", types.StateUnavailable), Retry{RetryOnUnknown: true}, 1},
		{"unknown retried", types.NewTransitory("sensor.a", types.StateUnknown), Retry{RetryOnUnknown: true}, 3},
		{"unknown disabled", types.NewTransitory("sensor.a", types.StateUnknown), Retry{RetryOnUnavailable: true}, 1},
		{"fatal never retried", types.NewMissingDependency("x"), Retry{RetryOnUnavailable: true, RetryOnUnknown: true}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(Mock)
			m.On("Eval").Return(tt.err)

			err := tt.retry.Do(context.Background(), tt.name, m.Eval)

			require.ErrorIs(t, err, tt.err)
			m.AssertNumberOfCalls(t, "Eval", tt.calls)
		})
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	m := new(Mock)
	m.On("Task").Return(true, errRetryable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := Retry{MaxAttempts: 5, MinInterval: time.Hour}
	err := r.Start(ctx, "TestContextCancelled", m.Task)

	require.Error(t, err)
	m.AssertNumberOfCalls(t, "Task", 1)
}

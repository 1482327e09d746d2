// Copyright (c) 2024 Durableflow Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durableflow/durableflow/common/log"
	"github.com/durableflow/durableflow/common/metrics"
	"github.com/durableflow/durableflow/common/types"
	"github.com/durableflow/durableflow/runtime"
)

type orderInput struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

type orderOutput struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
}

func newTestExecutor() (*Executor, *Registry) {
	registry := NewRegistry()
	return NewExecutor(registry, log.NewNoop(), metrics.NoopScope()), registry
}

func orderTask(input string) *Task {
	return &Task{
		Namespace:    "ns-default",
		WorkflowID:   "wf-order",
		RunID:        "run-1",
		TaskQueue:    "orders",
		WorkflowType: "order-processing",
		Input:        []byte(input),
	}
}

func TestExecuteRegisteredWorkflow(t *testing.T) {
	exec, registry := newTestExecutor()

	Register(registry, "order-processing", func(ctx context.Context, rt *runtime.Runtime, in orderInput) (orderOutput, error) {
		txn, err := rt.Capture("payment::"+in.OrderID, func() ([]byte, error) {
			return []byte("txn-T1"), nil
		})
		if err != nil {
			return orderOutput{}, err
		}
		return orderOutput{OrderID: in.OrderID, Status: "Completed", TransactionID: string(txn)}, nil
	})

	result := exec.Execute(context.Background(), orderTask(`{"orderId":"ORD-0001","amount":99.99}`))
	require.Nil(t, result.Failure)

	var out orderOutput
	require.NoError(t, json.Unmarshal(result.Output, &out))
	assert.Equal(t, "ORD-0001", out.OrderID)
	assert.Equal(t, "Completed", out.Status)
	assert.Equal(t, "txn-T1", out.TransactionID)
}

func TestExecuteUnregisteredWorkflow(t *testing.T) {
	exec, _ := newTestExecutor()

	result := exec.Execute(context.Background(), orderTask(`{}`))
	require.NotNil(t, result.Failure)
	assert.Equal(t, FailureUnregisteredWorkflow, result.Failure.Kind)
	assert.False(t, result.Failure.Retryable())
}

func TestExecuteBadInput(t *testing.T) {
	exec, registry := newTestExecutor()
	Register(registry, "order-processing", func(ctx context.Context, rt *runtime.Runtime, in orderInput) (orderOutput, error) {
		return orderOutput{}, nil
	})

	result := exec.Execute(context.Background(), orderTask(`{not json`))
	require.NotNil(t, result.Failure)
	assert.Equal(t, FailureInputDeserialization, result.Failure.Kind)
	assert.False(t, result.Failure.Retryable())
}

func TestExecutePanickingWorkflow(t *testing.T) {
	exec, registry := newTestExecutor()
	Register(registry, "order-processing", func(ctx context.Context, rt *runtime.Runtime, in orderInput) (orderOutput, error) {
		panic("nil map write")
	})

	result := exec.Execute(context.Background(), orderTask(`{}`))
	require.NotNil(t, result.Failure)
	assert.Equal(t, FailureWorkflowPanicked, result.Failure.Kind)
	assert.False(t, result.Failure.Retryable())
	assert.Contains(t, result.Failure.Error(), "nil map write")
}

func TestExecuteRetryableFailure(t *testing.T) {
	exec, registry := newTestExecutor()
	Register(registry, "order-processing", func(ctx context.Context, rt *runtime.Runtime, in orderInput) (orderOutput, error) {
		return orderOutput{}, NewRetryable(errors.New("downstream 503"))
	})

	result := exec.Execute(context.Background(), orderTask(`{}`))
	require.NotNil(t, result.Failure)
	assert.Equal(t, FailureWorkflowReturned, result.Failure.Kind)
	assert.True(t, result.Failure.Retryable())
}

func TestExecuteTerminalFailure(t *testing.T) {
	exec, registry := newTestExecutor()
	Register(registry, "order-processing", func(ctx context.Context, rt *runtime.Runtime, in orderInput) (orderOutput, error) {
		return orderOutput{}, errors.New("invariant broken")
	})

	result := exec.Execute(context.Background(), orderTask(`{}`))
	require.NotNil(t, result.Failure)
	assert.Equal(t, FailureWorkflowReturned, result.Failure.Kind)
	assert.False(t, result.Failure.Retryable())
}

func TestReplayReusesEffectStore(t *testing.T) {
	exec, registry := newTestExecutor()

	calls := 0
	Register(registry, "order-processing", func(ctx context.Context, rt *runtime.Runtime, in orderInput) (orderOutput, error) {
		txn, err := rt.Capture("payment::"+in.OrderID, func() ([]byte, error) {
			calls++
			return []byte("txn-T1"), nil
		})
		if err != nil {
			return orderOutput{}, err
		}
		return orderOutput{OrderID: in.OrderID, Status: "Completed", TransactionID: string(txn)}, nil
	})

	task := orderTask(`{"orderId":"ORD-0001","amount":99.99}`)
	first := exec.Execute(context.Background(), task)
	require.Nil(t, first.Failure)

	// Second attempt of the same run replays against the stored effect.
	second := exec.Execute(context.Background(), task)
	require.Nil(t, second.Failure)
	assert.Equal(t, 1, calls)
	assert.Equal(t, string(first.Output), string(second.Output))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewRetryable(errors.New("x"))))
	assert.True(t, IsRetryable(types.NewTimeout("deadline")))
	assert.True(t, IsRetryable(types.NewPersistenceError(errors.New("io"), "write")))
	assert.False(t, IsRetryable(types.NewInvalidArgument("bad")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestDecodeTask(t *testing.T) {
	item := &types.TaskQueueItem{
		NamespaceID: "ns-default",
		QueueName:   "orders",
		WorkflowID:  "wf-order",
		RunID:       "run-1",
		Payload:     []byte(`{"workflowType":"order-processing","input":{"orderId":"ORD-0001"}}`),
		Attempt:     2,
	}
	task, err := DecodeTask(item)
	require.NoError(t, err)
	assert.Equal(t, "order-processing", task.WorkflowType)
	assert.Equal(t, 2, task.Attempt)
	assert.JSONEq(t, `{"orderId":"ORD-0001"}`, string(task.Input))

	item.Payload = []byte("not json")
	_, err = DecodeTask(item)
	require.Error(t, err)
}

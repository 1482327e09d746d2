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

package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		Namespace:        "ns-default",
		WorkflowID:       "wf-1",
		RunID:            "run-1",
		TaskQueue:        "orders",
		Metadata:         map[string]string{"deploy": "blue"},
		EffectStore:      NewEffectStore(),
		VersionDecisions: NewVersionDecisions(),
	}
}

func TestCaptureRunsEffectOnce(t *testing.T) {
	opts := testOptions()

	r, err := Open(opts)
	require.NoError(t, err)

	calls := 0
	payment := func() ([]byte, error) {
		calls++
		return []byte("txn-T1"), nil
	}

	out, err := r.Capture("payment::ORD-0001", payment)
	require.NoError(t, err)
	assert.Equal(t, "txn-T1", string(out))
	assert.Equal(t, 1, calls)

	// A second read in the same attempt replays the stored payload.
	out, err = r.Capture("payment::ORD-0001", payment)
	require.NoError(t, err)
	assert.Equal(t, "txn-T1", string(out))
	assert.Equal(t, 1, calls)
	r.Close()

	// A fresh attempt against the same store must not invoke the effect.
	opts.ReplayCount = 1
	r2, err := Open(opts)
	require.NoError(t, err)
	defer r2.Close()

	out, err = r2.Capture("payment::ORD-0001", payment)
	require.NoError(t, err)
	assert.Equal(t, "txn-T1", string(out))
	assert.Equal(t, 1, calls)
}

func TestCaptureReplaysFailure(t *testing.T) {
	opts := testOptions()

	r, err := Open(opts)
	require.NoError(t, err)

	calls := 0
	failing := func() ([]byte, error) {
		calls++
		return nil, errors.New("gateway unreachable")
	}

	_, err = r.Capture("charge", failing)
	require.EqualError(t, err, "gateway unreachable")
	r.Close()

	r2, err := Open(opts)
	require.NoError(t, err)
	defer r2.Close()

	// The stored failure replays without re-running the effect; the
	// workflow can recover around it.
	_, err = r2.Capture("charge", failing)
	require.EqualError(t, err, "gateway unreachable")
	assert.Equal(t, 1, calls)
}

func TestScopeHygiene(t *testing.T) {
	opts := testOptions()

	r, err := Open(opts)
	require.NoError(t, err)

	// A nested open of the same run is a usage error.
	_, err = Open(opts)
	require.Error(t, err)

	r.Close()
	// Closing twice is harmless.
	r.Close()

	r2, err := Open(opts)
	require.NoError(t, err)
	r2.Close()
}

func TestCaptureOnClosedScopeFails(t *testing.T) {
	r, err := Open(testOptions())
	require.NoError(t, err)
	r.Close()

	_, err = r.Capture("late", func() ([]byte, error) { return nil, nil })
	require.Error(t, err)
}

func TestRequireVersionFirstEncounter(t *testing.T) {
	r, err := Open(testOptions())
	require.NoError(t, err)
	defer r.Close()

	d, err := r.RequireVersion("new-pricing", 1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Version)
	assert.True(t, d.IsNew)

	d, err = r.RequireVersion("new-pricing", 1, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Version)
	assert.False(t, d.IsNew)
}

func TestRequireVersionPersistsAcrossReplay(t *testing.T) {
	opts := testOptions()

	r, err := Open(opts)
	require.NoError(t, err)
	d, err := r.RequireVersion("new-pricing", 1, 2, func(max int) int { return 1 })
	require.NoError(t, err)
	assert.Equal(t, 1, d.Version)
	assert.True(t, d.IsNew)
	r.Close()

	r2, err := Open(opts)
	require.NoError(t, err)
	defer r2.Close()
	d, err = r2.RequireVersion("new-pricing", 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Version)
	assert.False(t, d.IsNew)
}

func TestRequireVersionRangeViolation(t *testing.T) {
	opts := testOptions()

	r, err := Open(opts)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.RequireVersion("gate", 1, 1, nil)
	require.NoError(t, err)

	// Requesting a range that excludes the recorded version is a
	// determinism violation.
	_, err = r.RequireVersion("gate", 2, 3, nil)
	require.Error(t, err)

	// Chooser results are clamped into [min, max].
	d, err := r.RequireVersion("clamped", 2, 4, func(max int) int { return 99 })
	require.NoError(t, err)
	assert.Equal(t, 4, d.Version)
}

func TestTickAndMetadata(t *testing.T) {
	opts := testOptions()
	opts.InitialLogicalClock = 10

	r, err := Open(opts)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, uint64(10), r.LogicalClock())
	assert.Equal(t, uint64(11), r.Tick())
	assert.Equal(t, uint64(12), r.Tick())

	v, ok := r.Metadata("deploy")
	assert.True(t, ok)
	assert.Equal(t, "blue", v)
	_, ok = r.Metadata("absent")
	assert.False(t, ok)
}

func TestContextSnapshot(t *testing.T) {
	r, err := Open(testOptions())
	require.NoError(t, err)
	defer r.Close()

	ctx := r.Context()
	assert.Equal(t, "ns-default", ctx.Namespace)
	assert.Equal(t, "wf-1", ctx.WorkflowID)
	assert.Equal(t, "run-1", ctx.RunID)
	assert.Equal(t, "orders", ctx.TaskQueue)
}

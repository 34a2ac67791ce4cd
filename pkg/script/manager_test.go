package script

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skywave-obs/lithiumcore/pkg/corerr"
)

func TestRegisterDuplicateErrors(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("hello", "echo hi"))
	err := m.Register("hello", "echo bye")
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.InvalidArgument))
}

func TestRunReturnsOutputAndExitCode(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("hello", "echo hello-world"))

	res, err := m.Run("hello", nil, RunOptions{Safe: true})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "hello-world")
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunUnsafeScriptRefusedBySafetyGate(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("danger", "rm -rf /"))

	_, err := m.Run("danger", nil, RunOptions{Safe: true})
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.PolicyViolation))
}

func TestRunUnsafeModeSkipsSafetyGate(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("loud", "echo rm -rf /tmp/nonexistent-demo"))

	res, err := m.Run("loud", nil, RunOptions{Safe: false})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRunParsesProgress(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("progress", "echo PROGRESS:0.5"))

	_, err := m.Run("progress", nil, RunOptions{Safe: true})
	require.NoError(t, err)

	p, err := m.Progress("progress")
	require.NoError(t, err)
	assert.Equal(t, 0.5, p)
}

func TestHooksFireInOrder(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("hooked", "echo hi"))

	var order []string
	require.NoError(t, m.AddPreExecutionHook("hooked", func(name string) {
		order = append(order, "pre:"+name)
	}))
	require.NoError(t, m.AddPostExecutionHook("hooked", func(output string, exitCode int) {
		order = append(order, "post")
	}))

	_, err := m.Run("hooked", nil, RunOptions{Safe: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"pre:hooked", "post"}, order)
}

func TestScriptConditionBlocksRun(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("gated", "echo hi"))
	require.NoError(t, m.SetScriptCondition("gated", func() bool { return false }))

	_, err := m.Run("gated", nil, RunOptions{Safe: true})
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.InvalidState))
}

func TestUpdateWithVersioningTracksHistory(t *testing.T) {
	m := New(Config{})
	m.EnableVersioning()
	require.NoError(t, m.Register("versioned", "v0"))
	require.NoError(t, m.Update("versioned", "v1"))
	require.NoError(t, m.Update("versioned", "v2"))

	info, err := m.Info("versioned")
	require.NoError(t, err)
	assert.Equal(t, 3, info.VersionCount)
}

func TestRollbackRestoresOlderVersion(t *testing.T) {
	m := New(Config{})
	m.EnableVersioning()
	require.NoError(t, m.Register("versioned", "v0"))
	require.NoError(t, m.Update("versioned", "v1"))

	require.NoError(t, m.Rollback("versioned", 0))
	assert.Equal(t, map[string]string{"versioned": "v0"}, m.GetAll())
}

func TestRollbackMissingVersionErrors(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("one-version", "v0"))

	err := m.Rollback("one-version", 5)
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.InvalidArgument))
}

func TestMaxVersionsEvictsOldest(t *testing.T) {
	m := New(Config{MaxVersions: 2})
	m.EnableVersioning()
	require.NoError(t, m.Register("capped", "v0"))
	require.NoError(t, m.Update("capped", "v1"))
	require.NoError(t, m.Update("capped", "v2"))

	info, err := m.Info("capped")
	require.NoError(t, err)
	assert.Equal(t, 2, info.VersionCount)
}

func TestAbortSetsExitCode(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("spinner", "for i in $(seq 1 50); do echo PROGRESS:0.1; sleep 0.05; done"))

	var runErr error
	var done atomic.Bool
	go func() {
		_, runErr = m.Run("spinner", nil, RunOptions{Safe: true})
		done.Store(true)
	}()

	require.Eventually(t, func() bool {
		p, err := m.Progress("spinner")
		return err == nil && p > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Abort("spinner"))
	require.Eventually(t, func() bool { return done.Load() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, runErr)
	code, err := m.ExitCode("spinner")
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.Equal(t, AbortExitCode, *code)
}

func TestRunTimesOut(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("slow", "sleep 2"))

	_, err := m.Run("slow", nil, RunOptions{Safe: true, Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.Timeout))
}

func TestRunSequentiallyRunsAll(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("a", "echo a"))
	require.NoError(t, m.Register("b", "echo b"))

	results := m.RunSequentially([]BatchItem{{Name: "a"}, {Name: "b"}}, RunOptions{Safe: true})
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Output, "a")
	assert.Contains(t, results[1].Output, "b")
}

func TestRunConcurrentlyRunsAll(t *testing.T) {
	m := New(Config{ConcurrencyLimit: 2})
	require.NoError(t, m.Register("a", "echo a"))
	require.NoError(t, m.Register("b", "echo b"))
	require.NoError(t, m.Register("c", "echo c"))

	results := m.RunConcurrently([]BatchItem{{Name: "a"}, {Name: "b"}, {Name: "c"}}, RunOptions{Safe: true})
	require.Len(t, results, 3)
	for _, r := range results {
		require.NotNil(t, r)
	}
}

func TestRetryExhaustsAttemptsWithLinearBackoff(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("flaky", "exit 1"))

	start := time.Now()
	_, err := m.Run("flaky", nil, RunOptions{
		Safe:          true,
		Retries:       2,
		RetryStrategy: RetryLinear,
		RetryBase:     5 * time.Millisecond,
	})
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestDeleteUnknownScriptIsNoop(t *testing.T) {
	m := New(Config{})
	assert.NotPanics(t, func() { m.Delete("missing") })
}

func TestImportPowerShellModuleNoopForShellKind(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Register("shellscript", "echo hi"))
	require.NoError(t, m.ImportPowerShellModule("shellscript", "SomeModule"))
}

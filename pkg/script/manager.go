// Package script implements the Script Manager: a named registry of
// versioned shell/PowerShell scripts executed out-of-process via os/exec,
// with pre/post hooks, progress and abort tracking, and optional safety
// analysis delegated to pkg/script/analyzer.
//
// Grounded on original_source/src/script/sheller.hpp's operation surface
// (registerScript, runScript/runScriptAsync, getScriptProgress,
// abortScript, hooks, versioning, rollbackScript) and on the teacher's
// worker.Worker subprocess/mutex-guarded-map idiom (pkg/worker/worker.go).
package script

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	osexec "os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/skywave-obs/lithiumcore/pkg/corerr"
	"github.com/skywave-obs/lithiumcore/pkg/log"
	"github.com/skywave-obs/lithiumcore/pkg/metrics"
	"github.com/skywave-obs/lithiumcore/pkg/script/analyzer"
)

// RunOptions configures one execution.
type RunOptions struct {
	Safe          bool
	Timeout       time.Duration // zero means no timeout
	Retries       int
	RetryStrategy RetryStrategy
	RetryBase     time.Duration
	CustomBackoff CustomBackoff
}

// RunResult is the outcome of a completed (non-aborted-before-start) run.
type RunResult struct {
	Output   string
	ExitCode int
}

// Config configures a Manager.
type Config struct {
	Analyzer         *analyzer.Analyzer // defaults to analyzer.New()
	MaxVersions      int                // defaults to 10
	ConcurrencyLimit int                // defaults to 4, used by RunConcurrently
}

// Manager is the Script Manager.
type Manager struct {
	logger   zerolog.Logger
	analyzer *analyzer.Analyzer

	mu      sync.RWMutex
	scripts map[string]*Script

	versioningEnabled bool
	maxVersions       int
	concurrencyLimit  int
}

// New creates a Manager.
func New(cfg Config) *Manager {
	a := cfg.Analyzer
	if a == nil {
		a = analyzer.New()
	}
	maxVersions := cfg.MaxVersions
	if maxVersions <= 0 {
		maxVersions = 10
	}
	concurrency := cfg.ConcurrencyLimit
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Manager{
		logger:           log.WithComponent("script-manager"),
		analyzer:         a,
		scripts:          make(map[string]*Script),
		maxVersions:      maxVersions,
		concurrencyLimit: concurrency,
	}
}

// EnableVersioning turns on version history tracking for subsequent Update
// calls. Default is off, matching the original's opt-in enableVersioning.
func (m *Manager) EnableVersioning() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versioningEnabled = true
}

// SetMaxScriptVersions sets the retained version cap for every script.
func (m *Manager) SetMaxScriptVersions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxVersions = n
	}
}

// Register adds a new shell script under name.
func (m *Manager) Register(name, body string) error {
	return m.register(name, body, Shell)
}

// RegisterPowerShell adds a new PowerShell script under name.
func (m *Manager) RegisterPowerShell(name, body string) error {
	return m.register(name, body, PowerShell)
}

func (m *Manager) register(name, body string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.scripts[name]; exists {
		return corerr.Newf(corerr.InvalidArgument, "script %q already registered", name)
	}
	m.scripts[name] = &Script{
		name:     name,
		kind:     kind,
		body:     body,
		env:      make(map[string]string),
		versions: []version{{body: body, updatedAt: time.Now()}},
		current:  0,
	}
	return nil
}

// GetAll returns a snapshot of every registered script's current body.
func (m *Manager) GetAll() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.scripts))
	for name, s := range m.scripts {
		s.mu.RLock()
		out[name] = s.body
		s.mu.RUnlock()
	}
	return out
}

// Delete removes a script by name. Deleting an unknown script is a no-op,
// matching the original's void return.
func (m *Manager) Delete(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scripts, name)
}

// Update replaces a script's body, appending to version history when
// versioning is enabled and evicting the oldest version on overflow.
func (m *Manager) Update(name, body string) error {
	m.mu.RLock()
	s, exists := m.scripts[name]
	versioning := m.versioningEnabled
	maxVersions := m.maxVersions
	m.mu.RUnlock()
	if !exists {
		return corerr.Newf(corerr.NotFound, "script %q not registered", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = body
	if versioning {
		s.versions = append(s.versions, version{body: body, updatedAt: time.Now()})
		if len(s.versions) > maxVersions {
			evicted := len(s.versions) - maxVersions
			s.versions = s.versions[evicted:]
			metrics.ScriptVersionsEvicted.Add(float64(evicted))
		}
		s.current = len(s.versions) - 1
	}
	return nil
}

// Rollback restores a script to a previously kept version (0-indexed into
// kept history). Rolling back to a version evicted by max-versions overflow
// or never recorded is an error.
func (m *Manager) Rollback(name string, version int) error {
	m.mu.RLock()
	s, exists := m.scripts[name]
	m.mu.RUnlock()
	if !exists {
		return corerr.Newf(corerr.NotFound, "script %q not registered", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if version < 0 || version >= len(s.versions) {
		return corerr.Newf(corerr.InvalidArgument, "script %q has no version %d", name, version)
	}
	s.body = s.versions[version].body
	s.current = version
	return nil
}

// AddPreExecutionHook registers a hook run immediately before each execution,
// in registration order.
func (m *Manager) AddPreExecutionHook(name string, hook PreHook) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.preHooks = append(s.preHooks, hook)
	s.mu.Unlock()
	return nil
}

// AddPostExecutionHook registers a hook run after each execution that was
// not aborted (failures included), in registration order.
func (m *Manager) AddPostExecutionHook(name string, hook PostHook) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.postHooks = append(s.postHooks, hook)
	s.mu.Unlock()
	return nil
}

// SetScriptEnvironmentVars sets the per-script environment assignments
// rendered ahead of the command line on every run.
func (m *Manager) SetScriptEnvironmentVars(name string, vars map[string]string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for k, v := range vars {
		s.env[k] = v
	}
	s.mu.Unlock()
	return nil
}

// ImportPowerShellModule appends an Import-Module preamble line for
// PowerShell scripts; it is a no-op for Shell scripts.
func (m *Manager) ImportPowerShellModule(name, moduleName string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind != PowerShell {
		return nil
	}
	s.moduleImports = append(s.moduleImports, moduleName)
	return nil
}

// SetScriptCondition installs a predicate gating Run: if it returns false
// when Run is attempted, Run refuses with InvalidState before any hook
// fires. Supplemented from original_source's setScriptCondition, which has
// no distillation-era analog in the spec proper.
func (m *Manager) SetScriptCondition(name string, cond Condition) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.condition = cond
	s.mu.Unlock()
	return nil
}

func (m *Manager) lookup(name string) (*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, exists := m.scripts[name]
	if !exists {
		return nil, corerr.Newf(corerr.NotFound, "script %q not registered", name)
	}
	return s, nil
}

// Run executes a script synchronously. See RunAsync for the non-blocking
// form; both share runOnce plus the retry loop.
func (m *Manager) Run(name string, args map[string]string, opts RunOptions) (*RunResult, error) {
	s, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return m.runWithRetries(s, args, opts)
}

// RunAsync executes a script on its own goroutine, returning immediately; the
// execution is tracked under name and polled via Progress/Output/ExitCode.
func (m *Manager) RunAsync(name string, args map[string]string, opts RunOptions) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	go func() {
		if _, err := m.runWithRetries(s, args, opts); err != nil {
			m.logger.Warn().Err(err).Str("script", name).Msg("async script run failed")
		}
	}()
	return nil
}

func (m *Manager) runWithRetries(s *Script, args map[string]string, opts RunOptions) (*RunResult, error) {
	attempt := 0
	for {
		result, err := m.runOnce(s, args, opts)
		if err == nil {
			return result, nil
		}
		if opts.Retries <= 0 || attempt >= opts.Retries || corerr.Is(err, corerr.Canceled) {
			return nil, err
		}
		attempt++
		time.Sleep(retryDelay(opts, attempt))
	}
}

func retryDelay(opts RunOptions, attempt int) time.Duration {
	base := opts.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	switch opts.RetryStrategy {
	case RetryLinear:
		return base * time.Duration(attempt)
	case RetryExponential:
		return base * time.Duration(1<<uint(attempt-1))
	case RetryCustom:
		if opts.CustomBackoff != nil {
			return opts.CustomBackoff(attempt)
		}
		return base
	default:
		return 0
	}
}

func (m *Manager) runOnce(s *Script, args map[string]string, opts RunOptions) (*RunResult, error) {
	s.mu.RLock()
	name := s.name
	kind := s.kind
	body := s.body
	env := cloneMap(s.env)
	condition := s.condition
	preHooks := append([]PreHook(nil), s.preHooks...)
	postHooks := append([]PostHook(nil), s.postHooks...)
	imports := append([]string(nil), s.moduleImports...)
	s.mu.RUnlock()

	if condition != nil && !condition() {
		return nil, corerr.Newf(corerr.InvalidState, "script %q condition not satisfied", name)
	}

	if opts.Safe {
		analysis := m.analyzer.Analyze(body, 0)
		if !analysis.IsValid {
			return nil, corerr.Newf(corerr.PolicyViolation, "script %q failed safety analysis: %d danger(s) found", name, len(analysis.Dangers))
		}
	}

	for _, hook := range preHooks {
		hook(name)
	}

	exec := newExecution(name, args)
	s.execMu.Lock()
	s.exec = exec
	s.execMu.Unlock()
	exec.setStatus(StatusRunning)

	timer := metrics.NewTimer()
	output, exitCode, runErr := m.spawn(kind, body, env, imports, args, exec, opts.Timeout)
	timer.ObserveDurationVec(metrics.ScriptRunDuration, name)

	status := StatusCompleted
	outcome := "success"
	if exec.abort.Load() {
		status = StatusAborted
		outcome = "aborted"
	} else if runErr != nil {
		status = StatusFailed
		outcome = "failed"
	}
	exec.finish(status, exitCode)
	metrics.ScriptRunsTotal.WithLabelValues(name, outcome).Inc()

	if status != StatusAborted {
		for _, hook := range postHooks {
			hook(output, exitCode)
		}
	}
	exec.log(fmt.Sprintf("run finished: status=%s exit=%d", status, exitCode))

	if runErr != nil {
		return nil, runErr
	}
	return &RunResult{Output: output, ExitCode: exitCode}, nil
}

// spawn renders and runs the subprocess for body, honoring timeout and the
// execution's abort flag. It returns the collected output, exit code, and
// any spawn/timeout error distinct from a non-zero exit status.
func (m *Manager) spawn(kind Kind, body string, env map[string]string, imports []string, args map[string]string, exec *Execution, timeout time.Duration) (string, int, error) {
	rendered := renderCommand(kind, body, env, imports, args)

	var cmd *osexec.Cmd
	switch kind {
	case PowerShell:
		cmd = osexec.Command("powershell", "-Command", rendered)
	default:
		cmd = osexec.Command("sh", "-c", rendered)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", -1, corerr.Wrap(corerr.HandlerFailed, err, "creating output pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", -1, corerr.Wrap(corerr.HandlerFailed, err, "spawning script")
	}

	var buf bytes.Buffer
	aborted := false
	done := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if exec.abort.Load() {
				aborted = true
				_ = cmd.Process.Kill()
				break
			}
			line := scanner.Text()
			buf.WriteString(line)
			buf.WriteByte('\n')
			exec.appendOutput([]byte(line + "\n"))
			if p, ok := parseProgress(line); ok {
				exec.setProgress(p)
			}
		}
		done <- cmd.Wait()
	}()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case waitErr := <-done:
		if aborted || exec.abort.Load() {
			return buf.String(), AbortExitCode, nil
		}
		if waitErr != nil {
			return buf.String(), exitCodeOf(waitErr), corerr.Wrap(corerr.HandlerFailed, waitErr, "script exited non-zero")
		}
		return buf.String(), 0, nil
	case <-timeoutC:
		_ = cmd.Process.Kill()
		<-done
		return buf.String(), -1, corerr.New(corerr.Timeout, "script execution timed out")
	}
}

func exitCodeOf(err error) int {
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func renderCommand(kind Kind, body string, env map[string]string, imports []string, args map[string]string) string {
	var sb strings.Builder

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s=%s ", k, shellQuote(env[k])))
	}

	if kind == PowerShell {
		for _, mod := range imports {
			sb.WriteString(fmt.Sprintf("Import-Module %s; ", mod))
		}
	}

	sb.WriteString(body)

	argKeys := make([]string, 0, len(args))
	for k := range args {
		argKeys = append(argKeys, k)
	}
	sort.Strings(argKeys)
	for _, k := range argKeys {
		sb.WriteString(fmt.Sprintf(" %s=%s", k, shellQuote(args[k])))
	}
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func parseProgress(line string) (float64, bool) {
	const prefix = "PROGRESS:"
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(line[len(prefix):]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Abort sets the abort flag on a script's in-flight execution, if any.
func (m *Manager) Abort(name string) error {
	s, err := m.lookup(name)
	if err != nil {
		return err
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.exec == nil || s.exec.Status != StatusRunning {
		return corerr.Newf(corerr.InvalidState, "script %q is not running", name)
	}
	s.exec.abort.Store(true)
	return nil
}

// Progress returns the most recently parsed progress fraction, clamped to
// [0,1].
func (m *Manager) Progress(name string) (float64, error) {
	exec, err := m.currentExecution(name)
	if err != nil {
		return 0, err
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.Progress, nil
}

// Output returns the accumulated output of a script's most recent execution.
func (m *Manager) Output(name string) (string, error) {
	exec, err := m.currentExecution(name)
	if err != nil {
		return "", err
	}
	return exec.snapshotOutput(), nil
}

// ExitCode returns the exit code of a script's most recently completed
// execution, or nil if still running.
func (m *Manager) ExitCode(name string) (*int, error) {
	exec, err := m.currentExecution(name)
	if err != nil {
		return nil, err
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	return exec.ExitCode, nil
}

// Logs returns the execution log lines for a script's most recent run.
func (m *Manager) Logs(name string) ([]string, error) {
	exec, err := m.currentExecution(name)
	if err != nil {
		return nil, err
	}
	return exec.snapshotLogs(), nil
}

// Info returns a snapshot record describing a script's registration and
// execution state.
func (m *Manager) Info(name string) (Info, error) {
	s, err := m.lookup(name)
	if err != nil {
		return Info{}, err
	}
	s.mu.RLock()
	info := Info{
		Name:           s.name,
		Kind:           s.kind,
		CurrentVersion: s.current,
		VersionCount:   len(s.versions),
	}
	s.mu.RUnlock()

	s.execMu.Lock()
	exec := s.exec
	s.execMu.Unlock()
	if exec != nil {
		exec.mu.Lock()
		info.Status = exec.Status
		info.Progress = exec.Progress
		info.ExitCode = exec.ExitCode
		exec.mu.Unlock()
	}
	return info, nil
}

func (m *Manager) currentExecution(name string) (*Execution, error) {
	s, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.exec == nil {
		return nil, corerr.Newf(corerr.InvalidState, "script %q has not been run", name)
	}
	return s.exec, nil
}

// BatchItem is one entry of a batch run request.
type BatchItem struct {
	Name string
	Args map[string]string
}

// RunSequentially runs each item in order, stopping for nothing: a failure
// in one item does not prevent the next from running.
func (m *Manager) RunSequentially(items []BatchItem, opts RunOptions) []*RunResult {
	results := make([]*RunResult, len(items))
	for i, item := range items {
		r, err := m.Run(item.Name, item.Args, opts)
		if err != nil {
			m.logger.Warn().Err(err).Str("script", item.Name).Msg("sequential batch item failed")
			continue
		}
		results[i] = r
	}
	return results
}

// RunConcurrently runs every item with bounded concurrency via a
// structured-concurrency pool, collecting results positionally.
func (m *Manager) RunConcurrently(items []BatchItem, opts RunOptions) []*RunResult {
	results := make([]*RunResult, len(items))
	p := pool.New().WithMaxGoroutines(m.concurrencyLimit)

	for i, item := range items {
		i, item := i, item
		p.Go(func() {
			r, err := m.Run(item.Name, item.Args, opts)
			if err != nil {
				m.logger.Warn().Err(err).Str("script", item.Name).Msg("concurrent batch item failed")
				return
			}
			results[i] = r
		})
	}
	p.Wait()
	return results
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}


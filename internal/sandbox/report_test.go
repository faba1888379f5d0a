package sandbox

import (
	"strings"
	"testing"
	"time"
)

func TestReport(t *testing.T) {
	limits := Limits{Timeout: 5 * time.Second, MemoryBytes: 256 << 20, MaxProcesses: 16}

	tests := []struct {
		name      string
		res       Result
		exitCode  int
		status    string
		stderr    string
		stderrHas string
		truncated bool
	}{
		{
			name:     "completed keeps chosen code",
			res:      Result{Outcome: Completed(42), Stdout: []byte("hi\n")},
			exitCode: 42,
			status:   "completed",
		},
		{
			name:     "runtime error",
			res:      Result{Outcome: RuntimeFault("ValueError: bad"), Stderr: []byte("partial")},
			exitCode: ExitRuntimeError,
			status:   "runtime_error",
			stderr:   "partial\nValueError: bad\n",
		},
		{
			name:      "timeout",
			res:       Result{Outcome: Timeout()},
			exitCode:  ExitTimedOut,
			status:    "timed_out",
			stderrHas: "timed out after 5s",
		},
		{
			name:      "memory limit",
			res:       Result{Outcome: LimitExceeded(ResourceMemory), Stderr: []byte("Killed\n")},
			exitCode:  ExitResourceLimit,
			status:    "resource_limit_exceeded",
			stderrHas: "Killed\nresource limit exceeded: memory (limit 256MiB)",
		},
		{
			name:      "process limit",
			res:       Result{Outcome: LimitExceeded(ResourceProcesses)},
			exitCode:  ExitResourceLimit,
			status:    "resource_limit_exceeded",
			stderrHas: "processes (limit 16)",
		},
		{
			name:     "internal error hides detail",
			res:      Result{ContextID: "abc", Outcome: Internal(errTest("mount failed at /var/lib/x"))},
			exitCode: ExitInternalError,
			status:   "internal_error",
			stderr:   "internal sandbox error (ref abc)\n",
		},
		{
			name:      "truncation flag",
			res:       Result{Outcome: Completed(0), StderrTruncated: true},
			status:    "completed",
			truncated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.res.Limits = limits
			resp := Report(&tt.res)
			if resp.ExitCode != tt.exitCode {
				t.Errorf("exit code = %d, want %d", resp.ExitCode, tt.exitCode)
			}
			if resp.Status != tt.status {
				t.Errorf("status = %q, want %q", resp.Status, tt.status)
			}
			if tt.stderr != "" && resp.Stderr != tt.stderr {
				t.Errorf("stderr = %q, want %q", resp.Stderr, tt.stderr)
			}
			if !strings.Contains(resp.Stderr, tt.stderrHas) {
				t.Errorf("stderr = %q, want it to contain %q", resp.Stderr, tt.stderrHas)
			}
			if resp.Truncated != tt.truncated {
				t.Errorf("truncated = %v, want %v", resp.Truncated, tt.truncated)
			}
			if string(tt.res.Stdout) != resp.Stdout {
				t.Errorf("stdout altered: %q", resp.Stdout)
			}
		})
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

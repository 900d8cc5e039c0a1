//go:build !windows

package process

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func startScript(t *testing.T, body string) *Handle {
	t.Helper()
	l, err := NewLauncher("sh "+writeScript(t, body), "", false, testLogger())
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}
	h, err := l.Start(context.Background(), "/tmp/src.cu", "vector_add")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Terminate(100 * time.Millisecond) })
	return h
}

func TestStart_CapturesOutputAndExit(t *testing.T) {
	h := startScript(t, `echo "src=$1 ex=$2"; echo oops >&2; exit 0`)

	if !h.Wait(5 * time.Second) {
		t.Fatal("process did not exit")
	}
	stdout, stderr := h.Remaining(time.Second)
	if stdout != "src=/tmp/src.cu ex=vector_add\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "oops\n" {
		t.Errorf("stderr = %q", stderr)
	}
	exited, code := h.Poll()
	if !exited || code != 0 {
		t.Errorf("Poll = %v, %d; want true, 0", exited, code)
	}
	if h.PID() <= 0 {
		t.Errorf("PID = %d", h.PID())
	}
}

func TestStart_NonZeroExit(t *testing.T) {
	h := startScript(t, `exit 3`)
	h.Wait(5 * time.Second)
	if _, code := h.Poll(); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestDrain_NonBlocking(t *testing.T) {
	h := startScript(t, `sleep 2`)

	start := time.Now()
	stdout, stderr := h.Drain()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Drain blocked for %v", elapsed)
	}
	if stdout != "" || stderr != "" {
		t.Errorf("Drain = %q, %q; want empty", stdout, stderr)
	}
	if exited, _ := h.Poll(); exited {
		t.Error("process should still be running")
	}
}

func TestDrain_Incremental(t *testing.T) {
	h := startScript(t, `echo one; sleep 0.3; echo two; sleep 2`)

	deadline := time.Now().Add(3 * time.Second)
	var got strings.Builder
	for time.Now().Before(deadline) && !strings.Contains(got.String(), "two") {
		out, _ := h.Drain()
		got.WriteString(out)
		time.Sleep(10 * time.Millisecond)
	}
	if got.String() != "one\ntwo\n" {
		t.Errorf("drained %q, want %q", got.String(), "one\ntwo\n")
	}
	if exited, _ := h.Poll(); exited {
		t.Error("output should stream before exit")
	}
}

func TestTerminate(t *testing.T) {
	h := startScript(t, `sleep 30`)

	start := time.Now()
	h.Terminate(500 * time.Millisecond)
	if exited, _ := h.Poll(); !exited {
		t.Fatal("process still running after Terminate")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Terminate took %v", elapsed)
	}
}

func TestTerminate_KillsAfterGrace(t *testing.T) {
	h := startScript(t, `trap '' TERM; sleep 30`)
	time.Sleep(100 * time.Millisecond)

	h.Terminate(200 * time.Millisecond)
	if exited, _ := h.Poll(); !exited {
		t.Fatal("process ignoring SIGTERM should be killed")
	}
}

func TestTerminate_AfterExitIsNoop(t *testing.T) {
	h := startScript(t, `true`)
	h.Wait(5 * time.Second)
	h.Terminate(100 * time.Millisecond)
}

// processGone reports whether pid no longer names a live process. Zombies
// awaiting a reaper count as gone.
func processGone(pid int) bool {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err == nil {
		// The state field follows the parenthesised command name.
		if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) {
			return stat[i+2] == 'Z' || stat[i+2] == 'X'
		}
	}
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !processGone(pid) {
		if time.Now().After(deadline) {
			syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("child pid %d still alive", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTerminate_KillsBackgroundedChildren(t *testing.T) {
	h := startScript(t, `sleep 30 >/dev/null 2>&1 & echo $!`)
	if !h.Wait(5 * time.Second) {
		t.Fatal("script did not exit")
	}
	out, _ := h.Remaining(time.Second)
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("child pid from %q: %v", out, err)
	}
	if processGone(pid) {
		t.Fatalf("child %d exited before Terminate", pid)
	}

	h.Terminate(100 * time.Millisecond)
	waitGone(t, pid)
}

func TestStart_MissingScript(t *testing.T) {
	l, _ := NewLauncher("sh /nonexistent/run_exercise.sh", "", false, testLogger())
	_, err := l.Start(context.Background(), "a.cu", "ex")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
	if !strings.Contains(launchErr.Error(), "run_exercise.sh") {
		t.Errorf("error should name the command: %v", launchErr)
	}
}

func TestStart_MissingInterpreter(t *testing.T) {
	l, _ := NewLauncher("no-such-interpreter-xyz script.sh", "", false, testLogger())
	_, err := l.Start(context.Background(), "a.cu", "ex")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
}

func TestStart_RelativeScriptInDir(t *testing.T) {
	dir := filepath.Dir(writeScript(t, `echo ok`))
	l, err := NewLauncher("sh run.sh", dir, false, testLogger())
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}
	h, err := l.Start(context.Background(), "a.cu", "ex")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.Wait(5 * time.Second)
	if out, _ := h.Remaining(time.Second); out != "ok\n" {
		t.Errorf("stdout = %q", out)
	}
}

func TestNewLauncher_ParsesQuoting(t *testing.T) {
	l, err := NewLauncher(`bash "run exercise.sh"`, "", false, testLogger())
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}
	got := l.Command("src.cu", "dot")
	want := []string{"bash", "run exercise.sh", "src.cu", "dot"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Command = %q, want %q", got, want)
	}

	if _, err := NewLauncher("   ", "", false, testLogger()); err == nil {
		t.Error("empty command should be rejected")
	}
}

func TestCommand_LineBuffered(t *testing.T) {
	if _, err := exec.LookPath("stdbuf"); err != nil {
		t.Skip("stdbuf not installed")
	}
	l, _ := NewLauncher("bash run_exercise.sh", "", true, testLogger())
	got := l.Command("src.cu", "dot")
	if len(got) != 7 || got[1] != "-oL" || got[2] != "-eL" || got[3] != "bash" {
		t.Errorf("Command = %q", got)
	}
}

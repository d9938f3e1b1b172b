package process

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestManager_RunStdinPrompt(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	res, err := m.Run(ctx, "t1", Spec{
		Command:        "cat",
		PromptViaStdin: true,
		Prompt:         "hello from stdin",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hello from stdin" {
		t.Errorf("got stdout %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
}

func TestManager_RunArgvPrompt(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	res, err := m.Run(ctx, "t2", Spec{
		Command: "echo",
		Prompt:  "hello from argv",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stdout != "hello from argv\n" {
		t.Errorf("got stdout %q", res.Stdout)
	}
}

func TestManager_RunNonExistentCommand(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	_, err := m.Run(ctx, "t3", Spec{Command: "definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Error("expected error running non-existent command")
	}
}

func TestManager_RunTimeout(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Run(ctx, "t4", Spec{Command: "sleep", Args: []string{"5"}})
	if err == nil {
		t.Error("expected error when context times out")
	}
}

func TestManager_KillNonExistent(t *testing.T) {
	m := NewManager()
	if err := m.Kill("non-existent-id"); err == nil {
		t.Error("expected error killing non-existent process")
	}
}

func TestManager_ListProcessesEmpty(t *testing.T) {
	m := NewManager()
	if procs := m.ListProcesses(); len(procs) != 0 {
		t.Errorf("expected 0 processes, got %d", len(procs))
	}
}

func TestManager_CleanupEmpty(t *testing.T) {
	m := NewManager()
	if err := m.Cleanup(); err != nil {
		t.Errorf("cleanup failed: %v", err)
	}
}

func TestManager_ConcurrentRuns(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = m.Run(ctx, "concurrent", Spec{Command: "echo", Prompt: "x"})
		}(i)
	}
	wg.Wait()

	if procs := m.ListProcesses(); len(procs) != 0 {
		t.Errorf("expected processes to be cleaned up after completion, got %d", len(procs))
	}
}

func TestManager_StderrCaptured(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	res, err := m.Run(ctx, "t5", Spec{Command: "sh", Args: []string{"-c", "echo oops 1>&2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("got stderr %q", res.Stderr)
	}
}

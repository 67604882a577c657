package process

import (
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/scdispatch/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorSpawnFailure(t *testing.T) {
	log, _ := newObservedLogger()
	s := NewSupervisor(log, queue.New(), WithProgram("/nonexistent/sclang"))

	err := s.Start("-i", "scvim")
	require.ErrorContains(t, err, "starting /nonexistent/sclang")
	assert.Equal(t, 0, s.PID())
}

func TestSupervisorStreamUnavailable(t *testing.T) {
	log, logs := newObservedLogger()
	s := NewSupervisor(log, queue.New())

	err := s.handoff(nil, io.NopCloser(strings.NewReader("")))
	require.ErrorIs(t, err, ErrStreamUnavailable)
	assert.Equal(t, 1, logs.FilterMessage("unable to get streams of child process").Len())
}

func TestSupervisorEcho(t *testing.T) {
	log, logs := newObservedLogger()
	q := queue.New()
	tail := NewTail()
	lines, cancel := tail.Subscribe()
	defer cancel()

	s := NewSupervisor(log, q, WithProgram("cat"), WithBackoffPolicy(fastBackoff), WithTail(tail))
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	assert.NotZero(t, s.PID())

	require.NoError(t, q.Enqueue("play\n"))

	assert.Eventually(t, func() bool {
		return byLogger(logs, "output").FilterMessage("play").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case line := <-lines:
		assert.Equal(t, "play", line)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tail")
	}
}

func TestSupervisorLogsEveryOutputLine(t *testing.T) {
	log, logs := newObservedLogger()
	s := NewSupervisor(log, queue.New(), WithProgram("sh"), WithBackoffPolicy(fastBackoff))
	require.NoError(t, s.Start("-c", `printf 'one\ntwo\nthree\n'`))
	t.Cleanup(s.Stop)

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("child process exited").Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	var got []string
	for _, e := range byLogger(logs, "output").All() {
		if e.Message != "child output closed" {
			got = append(got, e.Message)
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestSupervisorBrokenPipeIsFatal(t *testing.T) {
	log, _ := newObservedLogger()
	q := queue.New()
	s := NewSupervisor(log, q, WithProgram("sh"), WithBackoffPolicy(fastBackoff))
	require.NoError(t, s.Start("-c", "exit 0"))
	t.Cleanup(s.Stop)

	// The child is gone, but enqueues keep succeeding until the writer notices.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-s.Failed():
			require.ErrorContains(t, err, "writing command to child input")
			require.ErrorIs(t, q.Enqueue("after\n"), queue.ErrConsumerGone)
			return
		case <-ticker.C:
			_ = q.Enqueue("anyone there?\n")
		case <-deadline:
			t.Fatal("writer never reported the broken pipe")
		}
	}
}

func TestSupervisorStop(t *testing.T) {
	log, _ := newObservedLogger()
	q := queue.New()
	s := NewSupervisor(log, q, WithProgram("cat"))
	require.NoError(t, s.Start())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}

	select {
	case err := <-s.Failed():
		t.Fatalf("unexpected failure after stop: %s", err)
	default:
	}
}

func TestSupervisorReapsChildAfterOutputFailure(t *testing.T) {
	log, logs := newObservedLogger()
	s := NewSupervisor(log, queue.New(), WithBackoffPolicy(fastBackoff))

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	s.cmd = cmd
	_, stdin := io.Pipe()
	stdout := io.NopCloser(&erroringReader{err: errors.New("device on fire")})
	require.NoError(t, s.handoff(stdin, stdout))

	select {
	case err := <-s.Failed():
		require.ErrorIs(t, err, ErrOutputFailing)
	case <-time.After(5 * time.Second):
		t.Fatal("reader never gave up")
	}
	// the reader gave up without reaping, so the child is still running
	assert.Zero(t, logs.FilterMessage("child process exited").Len())

	s.Stop()
	require.NotNil(t, cmd.ProcessState)
	assert.Equal(t, 1, logs.FilterMessage("child process exited").Len())
}

package process

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var fastBackoff = BackoffPolicy{Min: time.Millisecond, Max: 2 * time.Millisecond, MaxConsecutiveErrors: 3}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

// byLogger keeps the entries of the logger with the given (last) name.
func byLogger(logs *observer.ObservedLogs, name string) *observer.ObservedLogs {
	return logs.Filter(func(e observer.LoggedEntry) bool {
		return e.LoggerName == name || strings.HasSuffix(e.LoggerName, "."+name)
	})
}

func infoMessages(logs *observer.ObservedLogs) []string {
	var msgs []string
	for _, e := range logs.FilterLevelExact(zapcore.InfoLevel).All() {
		msgs = append(msgs, e.Message)
	}
	return msgs
}

// scriptedReader returns each step's data and error in turn, then io.EOF forever.
type scriptedReader struct {
	m     sync.Mutex
	steps []readStep
}

type readStep struct {
	data string
	err  error
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	r.m.Lock()
	defer r.m.Unlock()
	if len(r.steps) == 0 {
		return 0, io.EOF
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	n := copy(p, step.data)
	return n, step.err
}

type erroringReader struct{ err error }

func (r *erroringReader) Read(p []byte) (int, error) { return 0, r.err }

func TestOutputReaderLines(t *testing.T) {
	cases := []struct {
		name   string
		output string
		exp    []string
	}{
		{name: "no output", output: "", exp: nil},
		{name: "one line", output: "play\n", exp: []string{"play"}},
		{name: "several lines in order", output: "one\ntwo\nthree\n", exp: []string{"one", "two", "three"}},
		{name: "crlf terminated", output: "one\r\ntwo\r\n", exp: []string{"one", "two"}},
		{name: "blank line is still a line", output: "a\n\nb\n", exp: []string{"a", "", "b"}},
		{name: "partial last line", output: "done\nsclang> ", exp: []string{"done", "sclang> "}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			log, logs := newObservedLogger()
			reader := NewOutputReader(log, strings.NewReader(c.output), fastBackoff, nil)

			err := reader.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, c.exp, infoMessages(logs))
			assert.Equal(t, 1, logs.FilterMessage("child output closed").Len())
		})
	}
}

func TestOutputReaderRetriesTransientErrors(t *testing.T) {
	errFlaky := errors.New("flaky read")
	log, logs := newObservedLogger()
	r := &scriptedReader{steps: []readStep{
		{data: "before\n"},
		{err: errFlaky},
		{err: errFlaky},
		{data: "after\n"},
		// a successful read resets the error count
		{err: errFlaky},
		{err: errFlaky},
		{data: "end\n"},
	}}
	reader := NewOutputReader(log, r, fastBackoff, nil)

	err := reader.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"before", "after", "end"}, infoMessages(logs))
	assert.Equal(t, 4, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestOutputReaderGivesUp(t *testing.T) {
	log, logs := newObservedLogger()
	reader := NewOutputReader(log, &erroringReader{err: errors.New("device on fire")}, fastBackoff, nil)

	err := reader.Run(context.Background())
	require.ErrorIs(t, err, ErrOutputFailing)
	assert.ErrorContains(t, err, "device on fire")
	assert.Equal(t, fastBackoff.MaxConsecutiveErrors, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestOutputReaderStopsDuringBackoff(t *testing.T) {
	log, _ := newObservedLogger()
	policy := BackoffPolicy{Min: time.Hour, Max: time.Hour, MaxConsecutiveErrors: 10}
	reader := NewOutputReader(log, &erroringReader{err: errors.New("transient")}, policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- reader.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop")
	}
}

func TestOutputReaderClosedPipe(t *testing.T) {
	log, logs := newObservedLogger()
	pr, pw := io.Pipe()
	reader := NewOutputReader(log, pr, fastBackoff, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- reader.Run(context.Background()) }()

	_, err := pw.Write([]byte("last words\n"))
	require.NoError(t, err)
	require.NoError(t, pr.Close())

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not stop")
	}
	assert.Equal(t, []string{"last words"}, infoMessages(logs))
}

func TestOutputReaderPublishesToTail(t *testing.T) {
	log, _ := newObservedLogger()
	tail := NewTail()
	lines, cancel := tail.Subscribe()
	defer cancel()

	reader := NewOutputReader(log, strings.NewReader("a\nb\n"), fastBackoff, tail)
	require.NoError(t, reader.Run(context.Background()))

	assert.Equal(t, "a", <-lines)
	assert.Equal(t, "b", <-lines)
}

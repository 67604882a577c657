package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ErrOutputFailing is returned by the output reader when the child's output keeps erroring.
var ErrOutputFailing = errors.New("child output stream keeps failing")

// BackoffPolicy controls how the output reader retries after a read error.
type BackoffPolicy struct {
	Min time.Duration
	Max time.Duration
	// MaxConsecutiveErrors is the number of read errors in a row after which the reader gives up.
	MaxConsecutiveErrors int
}

var DefaultBackoffPolicy = BackoffPolicy{
	Min:                  10 * time.Millisecond,
	Max:                  time.Second,
	MaxConsecutiveErrors: 10,
}

// OutputReader turns each line of the child's output into an info log record.
type OutputReader struct {
	log    *zap.SugaredLogger
	r      *bufio.Reader
	tail   *Tail
	policy BackoffPolicy
}

func NewOutputReader(log *zap.SugaredLogger, r io.Reader, policy BackoffPolicy, tail *Tail) *OutputReader {
	return &OutputReader{
		log:    log,
		r:      bufio.NewReader(r),
		tail:   tail,
		policy: policy,
	}
}

// isEndOfStream reports whether err means no more output can ever be read.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func (o *OutputReader) emit(line string) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	o.log.Info(line)
	if o.tail != nil {
		if dropped := o.tail.Publish(line); dropped > 0 {
			o.log.Debugf("%d tail subscribers missed a line", dropped)
		}
	}
}

// Run reads lines until the output stream ends, the context is done, or the stream
// produces MaxConsecutiveErrors errors in a row.
// The end of the stream is a clean stop and returns nil.
func (o *OutputReader) Run(ctx context.Context) error {
	consecutiveErrs := 0
	for {
		line, err := o.r.ReadString('\n')
		if len(line) > 0 {
			o.emit(line)
		}
		if err == nil {
			consecutiveErrs = 0
			continue
		}
		if isEndOfStream(err) {
			o.log.Warnw("child output closed", "Error", err)
			return nil
		}

		consecutiveErrs++
		o.log.Errorw("error reading child output", "Error", err, "ConsecutiveErrors", consecutiveErrs)
		if consecutiveErrs >= o.policy.MaxConsecutiveErrors {
			return fmt.Errorf("%w: giving up after %d consecutive errors, last: %s", ErrOutputFailing, consecutiveErrs, err)
		}

		wait := retryablehttp.DefaultBackoff(o.policy.Min, o.policy.Max, consecutiveErrs-1, nil)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

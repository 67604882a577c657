package process

import (
	"context"
	"fmt"
	"io"

	"github.com/guseggert/scdispatch/queue"
	"go.uber.org/zap"
)

// CommandSource is the consumer side of the command queue.
type CommandSource interface {
	Dequeue(ctx context.Context) (queue.Command, error)
	CloseRecv()
}

// CommandWriter is the only consumer of the command queue and the only writer of the child's input.
type CommandWriter struct {
	log    *zap.SugaredLogger
	w      io.Writer
	source CommandSource
}

func NewCommandWriter(log *zap.SugaredLogger, w io.Writer, source CommandSource) *CommandWriter {
	return &CommandWriter{log: log, w: w, source: source}
}

// Run writes every dequeued command to the child's input, verbatim and exactly once.
// It returns nil when ctx is done. Any other return is fatal for the pipeline: either
// the producer side of the queue is closed, or the write failed.
// Commands still queued when Run returns are dropped and later enqueues fail.
func (c *CommandWriter) Run(ctx context.Context) error {
	defer c.source.CloseRecv()
	for {
		cmd, err := c.source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Errorw("unable to receive command", "Error", err)
			return fmt.Errorf("receiving command: %w", err)
		}

		c.log.Debugw("writing command", "Bytes", len(cmd))
		_, err = io.WriteString(c.w, string(cmd))
		if err != nil {
			c.log.Errorw("unable to send command to child process", "Error", err)
			return fmt.Errorf("writing command to child input: %w", err)
		}
	}
}

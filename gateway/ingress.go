package gateway

import (
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/guseggert/scdispatch/queue"
	"go.uber.org/zap"
)

// Enqueuer is the producer side of the command queue.
type Enqueuer interface {
	Enqueue(cmd queue.Command) error
}

// Ingress turns every request body into a command.
// It holds no state besides the queue, so it is safe for concurrent use.
//
// Both rejections are logged the same way but answered differently: a body that
// is not UTF-8 is the caller's fault (400), a queue without a consumer is ours (503).
type Ingress struct {
	log   *zap.SugaredLogger
	queue Enqueuer
}

func NewIngress(log *zap.SugaredLogger, q Enqueuer) *Ingress {
	return &Ingress{log: log, queue: q}
}

func (i *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		i.log.Errorw("unable to read request body", "Error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = validUTF8(body)
	if err != nil {
		i.log.Errorw("unable to decode command", "Error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = i.queue.Enqueue(queue.Command(body))
	if err != nil {
		i.log.Errorw("unable to enqueue command", "Error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// validUTF8 describes the first invalid sequence in b, if any.
func validUTF8(b []byte) error {
	if utf8.Valid(b) {
		return nil
	}
	offset := 0
	for offset < len(b) {
		r, size := utf8.DecodeRune(b[offset:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		offset += size
	}
	// n is the length of the longest prefix that could still start a valid sequence
	n := 0
	for offset+n < len(b) && !utf8.FullRune(b[offset:offset+n+1]) {
		n++
	}
	if n > 0 && offset+n == len(b) {
		return fmt.Errorf("incomplete utf-8 byte sequence from index %d", offset)
	}
	if n == 0 {
		n = 1
	}
	return fmt.Errorf("invalid utf-8 sequence of %d bytes from index %d", n, offset)
}

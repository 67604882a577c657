package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/guseggert/scdispatch/internal/logging"
	"github.com/guseggert/scdispatch/process"
	"github.com/guseggert/scdispatch/queue"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// Gateway accepts commands over HTTP and forwards them to a supervised child process.
// Every POST body is a command. Commands are queued and written to the child's stdin
// in the order they were accepted, and the child's stdout is mirrored into the log.
type Gateway struct {
	rootLogger *zap.Logger
	logLevel   *zapcore.Level
	logger     *zap.SugaredLogger

	listenAddr string
	program    string
	childArgs  []string
	policy     process.BackoffPolicy

	queue      *queue.Queue
	tail       *process.Tail
	supervisor *process.Supervisor
	httpServer *http.Server
	startedAt  time.Time

	addr     net.Addr
	ready    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(g *Gateway)

func WithListenAddr(s string) Option {
	return func(g *Gateway) {
		g.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.rootLogger = l
	}
}

// WithLogLevel raises the minimum level of the gateway's logger, whichever logger is used.
func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.logLevel = &l
	}
}

// WithProgram sets the child executable. Defaults to "sclang".
func WithProgram(p string) Option {
	return func(g *Gateway) {
		g.program = p
	}
}

// WithIDEClass starts the child in interactive mode with the given IDE class, i.e. "-i <class>".
func WithIDEClass(class string) Option {
	return func(g *Gateway) {
		g.childArgs = []string{"-i", class}
	}
}

// WithChildArgs replaces the child's arguments entirely.
func WithChildArgs(args ...string) Option {
	return func(g *Gateway) {
		g.childArgs = args
	}
}

func WithBackoffPolicy(p process.BackoffPolicy) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

// NewGateway constructs a new gateway. Nothing is started until Run.
func NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		rootLogger: logging.New(zapcore.InfoLevel),
		listenAddr: "0.0.0.0:5000",
		program:    "sclang",
		childArgs:  []string{"-i", "scvim"},
		policy:     process.DefaultBackoffPolicy,
		queue:      queue.New(),
		tail:       process.NewTail(),
		ready:      make(chan struct{}),
		stop:       make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	if g.logLevel != nil {
		g.rootLogger = g.rootLogger.WithOptions(zap.IncreaseLevel(*g.logLevel))
	}
	log := g.rootLogger.Sugar()
	g.logger = log.Named("gateway")
	g.supervisor = process.NewSupervisor(
		log,
		g.queue,
		process.WithProgram(g.program),
		process.WithBackoffPolicy(g.policy),
		process.WithTail(g.tail),
	)
	return g
}

// Handler returns the HTTP handler of the gateway.
func (g *Gateway) Handler() http.Handler {
	log := g.rootLogger.Sugar().Named("http")
	router := httprouter.New()
	router.GET("/heartbeat", g.heartbeat)
	router.GET("/output", g.output)
	router.Handler(http.MethodPost, "/*path", NewIngress(log, g.queue))
	return accessLog(log, middleware.Recoverer(router))
}

// Run starts the child process and the HTTP server, and returns once the gateway has stopped.
//
// Failing to start the child or to listen is returned before anything is served.
// Once running, a failure of the command pipeline shuts the whole gateway down and is returned.
// Cancelling ctx or calling Stop shuts down and returns nil.
func (g *Gateway) Run(ctx context.Context) error {
	err := g.supervisor.Start(g.childArgs...)
	if err != nil {
		return fmt.Errorf("starting child process: %w", err)
	}

	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		g.supervisor.Stop()
		return fmt.Errorf("listening TCP: %w", err)
	}

	g.startedAt = time.Now()
	g.httpServer = &http.Server{Handler: g.Handler()}
	g.addr = listener.Addr()
	close(g.ready)
	g.logger.Infow("listening for commands", "Addr", g.addr.String(), "ChildPID", g.supervisor.PID())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := g.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving HTTP: %w", err)
	})
	group.Go(func() error {
		var cause error
		select {
		case cause = <-g.supervisor.Failed():
			g.logger.Errorw("command pipeline failed, shutting down", "Error", cause)
		case <-groupCtx.Done():
			g.logger.Infow("shutting down", "Reason", groupCtx.Err())
		case <-g.stop:
			g.logger.Info("stop requested, shutting down")
		}
		g.shutdown()
		return cause
	})

	return group.Wait()
}

// shutdown stops accepting requests, stops the child and closes the queue.
func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := g.httpServer.Shutdown(ctx)
	if err != nil {
		g.logger.Debugf("error shutting down HTTP server: %s", err)
		g.httpServer.Close()
	}
	g.supervisor.Stop()
	g.queue.CloseSend()
	g.logger.Info("shut down")
}

// Ready is closed once the gateway is listening.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// Addr returns the listen address. It is only valid after Ready is closed.
func (g *Gateway) Addr() net.Addr {
	return g.addr
}

// Stop asks a running gateway to shut down. Run returns once it has.
func (g *Gateway) Stop() error {
	g.stopOnce.Do(func() { close(g.stop) })
	return nil
}

type HeartbeatResponse struct {
	ChildPID   int
	QueueDepth int
	StartedAt  string
}

func (g *Gateway) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := HeartbeatResponse{
		ChildPID:   g.supervisor.PID(),
		QueueDepth: g.queue.Len(),
		StartedAt:  g.startedAt.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		g.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

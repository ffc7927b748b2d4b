// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/log"
)

// Server is responsible for task processing and task lifecycle management.
//
// Server pulls tasks off the declared queues and processes them with
// the given Handler. If the processing of a task is unsuccessful,
// server will schedule it for a retry with exponential backoff.
//
// A task will be retried until either the task gets processed
// successfully or until it reaches its max attempt count, after which
// it rests in the terminal failed state.
type Server struct {
	logger *log.Logger

	engine *Engine

	state *serverState

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	pool          *workerPool
	healthchecker *healthchecker
	janitor       *janitor
}

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// srvStateNew represents a new server.
	srvStateNew serverStateValue = iota

	// srvStateActive indicates the server is up and active.
	srvStateActive

	// srvStateStopped indicates the server is up but no longer processing new tasks.
	srvStateStopped

	// srvStateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

// Config specifies the server's background-task processing behavior.
type Config struct {
	// Queues maps queue names to the number of concurrent workers
	// polling that queue. Queue names must be declared in the engine
	// configuration; undeclared names are ignored.
	//
	// If set to nil or not specified, every queue declared in the
	// engine gets one worker.
	Queues map[string]int

	// BaseContext optionally specifies a function that returns the base context for Handler invocations on this server.
	//
	// If BaseContext is nil, the default is context.Background().
	BaseContext func() context.Context

	// TaskCheckInterval specifies the interval between checks for new tasks to process when a queue is empty.
	//
	// If unset, zero or a negative value, the interval is set to 1 second.
	TaskCheckInterval time.Duration

	// IsFailure is a predicate function to determine whether the error returned from Handler is a failure.
	// If the function returns false, Server will not consume an attempt for the task and
	// will put it back in its ready set immediately.
	//
	// By default, if the given error is non-nil the function returns true.
	IsFailure func(error) bool

	// ErrorHandler handles errors returned by the task handler.
	ErrorHandler ErrorHandler

	// Logger specifies the logger used by the server instance.
	//
	// If unset, default logger is used.
	Logger Logger

	// LogLevel specifies the minimum log level to enable.
	//
	// If unset, InfoLevel is used by default.
	LogLevel LogLevel

	// ShutdownTimeout specifies the duration to wait to let workers finish their tasks
	// before forcing them to abort when stopping the server.
	//
	// If unset or zero, default timeout of 8 seconds is used.
	ShutdownTimeout time.Duration

	// HealthCheckFunc is called periodically with any errors encountered during ping to the
	// connected redis server.
	HealthCheckFunc func(error)

	// HealthCheckInterval specifies the interval between healthchecks.
	//
	// If unset or zero, the interval is set to 15 seconds.
	HealthCheckInterval time.Duration

	// JanitorInterval specifies the interval between janitor runs that
	// reschedule claimed tasks whose lease expired.
	//
	// If unset or zero, default interval of 8 seconds is used.
	JanitorInterval time.Duration
}

// An ErrorHandler handles an error occurred during task processing.
type ErrorHandler interface {
	HandleError(ctx context.Context, task *Task, err error)
}

// The ErrorHandlerFunc type is an adapter to allow the use of ordinary functions as a ErrorHandler.
type ErrorHandlerFunc func(ctx context.Context, task *Task, err error)

// HandleError calls fn(ctx, task, err)
func (fn ErrorHandlerFunc) HandleError(ctx context.Context, task *Task, err error) {
	fn(ctx, task, err)
}

// Logger supports logging at various log levels.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
}

// LogLevel represents logging level.
type LogLevel int32

const (
	// Note: reserving value zero to differentiate unspecified case.
	level_unspecified LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String is part of the flag.Value interface.
func (l *LogLevel) String() string {
	switch *l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	}
	panic(fmt.Sprintf("relayq: unexpected log level: %v", *l))
}

// Set is part of the flag.Value interface.
func (l *LogLevel) Set(val string) error {
	switch strings.ToLower(val) {
	case "debug":
		*l = DebugLevel
	case "info":
		*l = InfoLevel
	case "warn", "warning":
		*l = WarnLevel
	case "error":
		*l = ErrorLevel
	case "fatal":
		*l = FatalLevel
	default:
		return fmt.Errorf("relayq: unsupported log level %q", val)
	}
	return nil
}

func toInternalLogLevel(l LogLevel) log.Level {
	switch l {
	case DebugLevel:
		return log.DebugLevel
	case InfoLevel:
		return log.InfoLevel
	case WarnLevel:
		return log.WarnLevel
	case ErrorLevel:
		return log.ErrorLevel
	case FatalLevel:
		return log.FatalLevel
	}
	panic(fmt.Sprintf("relayq: unexpected log level: %v", l))
}

func defaultIsFailureFunc(err error) bool { return err != nil }

const (
	defaultTaskCheckInterval   = 1 * time.Second
	defaultShutdownTimeout     = 8 * time.Second
	defaultHealthCheckInterval = 15 * time.Second
	defaultJanitorInterval     = 8 * time.Second
)

// NewServer returns a new Server processing tasks through the given
// engine with the given configuration. The server does not own the
// engine's store connection; close the engine separately.
func NewServer(engine *Engine, cfg Config) *Server {
	baseCtxFn := cfg.BaseContext
	if baseCtxFn == nil {
		baseCtxFn = context.Background
	}
	taskCheckInterval := cfg.TaskCheckInterval
	if taskCheckInterval <= 0 {
		taskCheckInterval = defaultTaskCheckInterval
	}
	isFailureFunc := cfg.IsFailure
	if isFailureFunc == nil {
		isFailureFunc = defaultIsFailureFunc
	}
	queues := make(map[string]int)
	for qname, n := range cfg.Queues {
		if _, declared := engine.queues[qname]; !declared {
			continue // ignore undeclared queue names
		}
		if n > 0 {
			queues[qname] = n
		}
	}
	if len(queues) == 0 {
		for _, qname := range engine.qnames {
			queues[qname] = 1
		}
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	healthcheckInterval := cfg.HealthCheckInterval
	if healthcheckInterval == 0 {
		healthcheckInterval = defaultHealthCheckInterval
	}
	logger := log.NewLogger(cfg.Logger)
	loglevel := cfg.LogLevel
	if loglevel == level_unspecified {
		loglevel = InfoLevel
	}
	logger.SetLevel(toInternalLogLevel(loglevel))

	pool := newWorkerPool(workerPoolParams{
		logger:            logger,
		engine:            engine,
		queues:            queues,
		taskCheckInterval: taskCheckInterval,
		shutdownTimeout:   shutdownTimeout,
		baseCtxFn:         baseCtxFn,
		isFailure:         isFailureFunc,
		errHandler:        cfg.ErrorHandler,
	})
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          logger,
		engine:          engine,
		interval:        healthcheckInterval,
		healthcheckFunc: cfg.HealthCheckFunc,
	})
	janitorInterval := cfg.JanitorInterval
	if janitorInterval == 0 {
		janitorInterval = defaultJanitorInterval
	}
	janitor := newJanitor(janitorParams{
		logger:   logger,
		engine:   engine,
		interval: janitorInterval,
	})
	return &Server{
		logger:        logger,
		engine:        engine,
		state:         &serverState{value: srvStateNew},
		pool:          pool,
		healthchecker: healthchecker,
		janitor:       janitor,
	}
}

// ErrServerClosed indicates that the operation is now illegal because of the server has been shutdown.
var ErrServerClosed = errors.New("relayq: Server closed")

// Run starts the task processing and blocks until
// an os signal to exit the program is received. Once it receives
// a signal, it gracefully shuts down all active workers and other
// goroutines to process the tasks.
func (srv *Server) Run(handler Handler) error {
	if err := srv.Start(handler); err != nil {
		return err
	}
	srv.waitForSignals()
	srv.Shutdown()
	return nil
}

// Start starts the worker server. Once the server has started,
// it pulls tasks off queues with its worker goroutines and calls
// Handler to process them.
func (srv *Server) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("relayq: server cannot run with nil handler")
	}
	srv.pool.handler = handler

	if err := srv.start(); err != nil {
		return err
	}
	srv.logger.Info("Starting processing")

	srv.healthchecker.start(&srv.wg)
	srv.janitor.start(&srv.wg)
	srv.pool.start()
	return nil
}

// Checks server state and returns an error if pre-condition is not met.
// Otherwise it sets the server state to active.
func (srv *Server) start() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	switch srv.state.value {
	case srvStateActive:
		return fmt.Errorf("relayq: the server is already running")
	case srvStateStopped:
		return fmt.Errorf("relayq: the server is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrServerClosed
	}
	srv.state.value = srvStateActive
	return nil
}

// Shutdown gracefully shuts down the server.
// It stops pulling new tasks off queues, waits for in-flight handlers
// up to the shutdown timeout, and stops the background goroutines.
func (srv *Server) Shutdown() {
	srv.state.mu.Lock()
	if srv.state.value == srvStateNew || srv.state.value == srvStateClosed {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateClosed
	srv.state.mu.Unlock()

	srv.logger.Info("Starting graceful shutdown")
	srv.pool.shutdown()
	srv.janitor.shutdown()
	srv.healthchecker.shutdown()
	srv.wg.Wait()

	srv.logger.Info("Exiting")
}

// Stop signals the server to stop pulling new tasks off queues.
// In-flight handler calls are not interrupted; the shutdown contract is
// "stop pulling new work", not "abort in-flight work".
func (srv *Server) Stop() {
	srv.state.mu.Lock()
	if srv.state.value != srvStateActive {
		srv.state.mu.Unlock()
		return
	}
	srv.state.value = srvStateStopped
	srv.state.mu.Unlock()

	srv.logger.Info("Stopping worker pool")
	srv.pool.stop()
	srv.logger.Info("Worker pool stopped")
}

// Ping performs a ping against the redis connection.
func (srv *Server) Ping() error {
	srv.state.mu.Lock()
	defer srv.state.mu.Unlock()
	if srv.state.value == srvStateClosed {
		return nil
	}

	return srv.engine.Ping()
}

// Package supervisor owns at most one running loop-engine process at a
// time, forwards its output lines to the log broadcaster, and finalizes
// the session record when the process exits.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coxswain-dev/coxswain/internal/broadcast"
	"github.com/coxswain-dev/coxswain/internal/lease"
	"github.com/coxswain-dev/coxswain/internal/session"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("a run is already active")
	// ErrWorkdirNotFound is returned when the resolved working directory
	// does not exist and creation was not requested.
	ErrWorkdirNotFound = errors.New("working directory does not exist")
	// ErrWorkdirBusy is returned when another supervisor process holds a
	// live lease on the resolved working directory.
	ErrWorkdirBusy = errors.New("working directory is leased by another run")
)

// threadLinePattern matches the engine's conversation-handle announcement
// on stdout. It is part of the engine's stdout contract.
var threadLinePattern = regexp.MustCompile(`^thread-id:\s*(\S+)\s*$`)

// Config configures a supervisor instance. All fields are explicit; the
// supervisor carries no ambient defaults.
type Config struct {
	// BinPath is the executable spawned for each run, normally the
	// supervisor's own binary invoked with the `run` subcommand.
	BinPath        string
	DefaultWorkdir string
	StateRoot      string
	Harness        string
	Model          string
}

// StartRequest describes one run to launch.
type StartRequest struct {
	Goal            string
	MaxIterations   int
	Workdir         string
	CreateIfMissing bool
}

// Status is the supervisor's externally visible state.
type Status struct {
	Running   bool             `json:"running"`
	Session   *session.Record  `json:"session,omitempty"`
	Artifacts session.Snapshot `json:"artifacts"`
}

// childEvent is one discrete message from the child process boundary:
// either an output line or the exit notification.
type childEvent struct {
	line   string
	stderr bool
	notice bool
	exit   bool
	err    error
}

// Supervisor drives loop-engine child processes. Its methods serialize on
// one mutex, so the check for "no active run" and the registration of a
// new one cannot interleave.
type Supervisor struct {
	cfg      Config
	registry *session.Registry
	bus      *broadcast.Broadcaster
	leases   *lease.Manager
	logger   *log.Logger

	newCommand func(name string, args ...string) *exec.Cmd
	newID      func() string
	now        func() time.Time

	mu            sync.Mutex
	child         *exec.Cmd
	current       *session.Record
	stopRequested bool
	done          chan struct{}
	watcherStop   chan struct{}
}

// New creates a supervisor with required dependencies.
func New(cfg Config, registry *session.Registry, bus *broadcast.Broadcaster, logger *log.Logger) (*Supervisor, error) {
	if strings.TrimSpace(cfg.BinPath) == "" {
		return nil, errors.New("bin path is required")
	}
	if strings.TrimSpace(cfg.DefaultWorkdir) == "" {
		return nil, errors.New("default workdir is required")
	}
	if strings.TrimSpace(cfg.StateRoot) == "" {
		return nil, errors.New("state root is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if bus == nil {
		return nil, errors.New("broadcaster is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	leaseStore, err := lease.NewFileStore(filepath.Join(cfg.StateRoot, "leases.json"))
	if err != nil {
		return nil, fmt.Errorf("lease store: %w", err)
	}
	leases, err := lease.NewManager(leaseStore, lease.ManagerConfig{})
	if err != nil {
		return nil, fmt.Errorf("lease manager: %w", err)
	}
	return &Supervisor{
		cfg:        cfg,
		registry:   registry,
		bus:        bus,
		leases:     leases,
		logger:     logger,
		newCommand: exec.Command,
		newID:      uuid.NewString,
		now:        time.Now,
	}, nil
}

const tracerName = "coxswain/supervisor"

// Start launches a new run. It fails with ErrAlreadyRunning while a run
// is active and with ErrWorkdirNotFound when the resolved working
// directory is missing and CreateIfMissing is false.
func (s *Supervisor) Start(req StartRequest) (*session.Record, error) {
	_, span := otel.Tracer(tracerName).Start(context.Background(), "supervisor.start")
	defer span.End()

	record, err := s.start(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("session_id", record.ID),
		attribute.String("workdir", record.Workdir),
		attribute.Int("max_iterations", record.MaxIterations),
	)
	span.SetStatus(codes.Ok, "run started")
	return record, nil
}

func (s *Supervisor) start(req StartRequest) (*session.Record, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, errors.New("goal is required")
	}
	if req.MaxIterations < 0 {
		return nil, errors.New("max iterations must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child != nil {
		return nil, ErrAlreadyRunning
	}

	workdir, err := s.resolveWorkdir(req.Workdir, req.CreateIfMissing)
	if err != nil {
		return nil, err
	}
	stateDir := session.DeriveStateDir(s.cfg.StateRoot, workdir)
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	id := s.newID()
	if err := s.leases.Acquire(id, workdir); err != nil {
		if errors.Is(err, lease.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrWorkdirBusy, workdir)
		}
		return nil, fmt.Errorf("acquire workdir lease: %w", err)
	}

	s.bus.Reset()

	record := session.Record{
		ID:            id,
		Goal:          req.Goal,
		MaxIterations: req.MaxIterations,
		Workdir:       workdir,
		StateDir:      stateDir,
		StartedAt:     s.now().UTC(),
		Status:        session.StatusRunning,
	}
	if err := s.registry.Append(record); err != nil {
		s.releaseLease(record.ID)
		return nil, fmt.Errorf("register session: %w", err)
	}

	cmd := s.newCommand(s.cfg.BinPath, runArgs(record, s.cfg)...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.markStartFailure(&record, err)
		return nil, fmt.Errorf("pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.markStartFailure(&record, err)
		return nil, fmt.Errorf("pipe stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		s.markStartFailure(&record, err)
		return nil, fmt.Errorf("launch engine: %w", err)
	}

	s.child = cmd
	s.current = &record
	s.stopRequested = false
	s.done = make(chan struct{})
	s.watcherStop = make(chan struct{})

	events := make(chan childEvent, 256)
	var readers sync.WaitGroup
	readers.Add(2)
	go scanPipe(&readers, stdout, false, events)
	go scanPipe(&readers, stderr, true, events)
	go func() {
		readers.Wait()
		// Not closed: the plan watcher may still hold a send reference.
		// drain returns on the exit event and the channel is collected.
		events <- childEvent{exit: true, err: cmd.Wait()}
	}()
	s.watchPlan(stateDir, events)

	go s.drain(record.ID, events)

	s.logger.With("session_id", record.ID, "workdir", workdir).Info("run started")
	copied := record
	return &copied, nil
}

// Stop requests graceful termination of the active run. It is a no-op
// when no run is active.
func (s *Supervisor) Stop() error {
	_, span := otel.Tracer(tracerName).Start(context.Background(), "supervisor.stop")
	defer span.End()

	if err := s.stop(span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "stop handled")
	return nil
}

func (s *Supervisor) stop(span trace.Span) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.child == nil {
		span.SetAttributes(attribute.Bool("active", false))
		return nil
	}
	span.SetAttributes(attribute.Bool("active", true), attribute.String("session_id", s.current.ID))
	s.stopRequested = true
	if err := s.child.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal engine: %w", err)
	}
	s.logger.With("session_id", s.current.ID).Info("stop requested")
	return nil
}

// CurrentStatus reports the in-memory session record and a freshly read
// artifact snapshot.
func (s *Supervisor) CurrentStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{Running: s.child != nil}
	if s.current != nil {
		copied := *s.current
		status.Session = &copied
		status.Artifacts = session.ReadSnapshot(s.current.StateDir)
	}
	return status
}

// Wait blocks until the active run, if any, has been finalized.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// drain is the single consumer of the child's event stream. Lines go to
// the broadcaster in arrival order; the exit event finalizes the run.
// The workdir lease is renewed lazily on output so a live run never
// loses its claim while a crashed one expires.
func (s *Supervisor) drain(sessionID string, events <-chan childEvent) {
	renewEvery := s.leases.ExpiryTimeout() / 2
	lastRenew := s.now()
	for event := range events {
		switch {
		case event.exit:
			s.finalize(event.err)
			return
		case event.notice:
			s.bus.Publish(broadcast.Line{Text: event.line})
		default:
			s.bus.Publish(broadcast.Line{Text: event.line, Stderr: event.stderr})
			if !event.stderr {
				s.observeThreadLine(event.line)
			}
		}
		if s.now().Sub(lastRenew) >= renewEvery {
			lastRenew = s.now()
			if err := s.leases.Renew(sessionID); err != nil {
				s.logger.With("session_id", sessionID).Warn("renew workdir lease", "err", err)
			}
		}
	}
}

// observeThreadLine updates the live record when the engine announces a
// conversation handle, so UI polling reflects it before process exit.
func (s *Supervisor) observeThreadLine(line string) {
	match := threadLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if match == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.ThreadID = match[1]
	}
}

func (s *Supervisor) finalize(waitErr error) {
	s.mu.Lock()

	record := s.current
	status := classifyExit(waitErr, s.stopRequested)
	if record != nil {
		if err := record.Finalize(status, s.now()); err != nil {
			s.logger.With("session_id", record.ID).Warn("finalize record", "err", err)
		}
		if err := s.registry.UpdateByID(record.ID, *record); err != nil {
			s.logger.With("session_id", record.ID).Error("persist terminal status", "err", err)
		}
	}

	s.child = nil
	s.stopRequested = false
	if s.watcherStop != nil {
		close(s.watcherStop)
		s.watcherStop = nil
	}
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if status == session.StatusFailed && waitErr != nil {
		s.bus.Publish(broadcast.Line{Text: "run failed: " + waitErr.Error(), Stderr: true})
	}
	if record != nil {
		s.releaseLease(record.ID)
		s.logger.With("session_id", record.ID, "status", string(status)).Info("run finished")
	}
	if done != nil {
		close(done)
	}
}

// markStartFailure records a spawn failure for a session that was already
// appended as running.
func (s *Supervisor) markStartFailure(record *session.Record, cause error) {
	if err := record.Finalize(session.StatusFailed, s.now()); err == nil {
		if err := s.registry.UpdateByID(record.ID, *record); err != nil {
			s.logger.With("session_id", record.ID).Error("persist spawn failure", "err", err)
		}
	}
	s.releaseLease(record.ID)
	s.bus.Publish(broadcast.Line{Text: "run failed to launch: " + cause.Error(), Stderr: true})
}

// releaseLease is best effort. A leaked lease self-expires.
func (s *Supervisor) releaseLease(sessionID string) {
	if err := s.leases.Release(sessionID); err != nil {
		s.logger.With("session_id", sessionID).Warn("release workdir lease", "err", err)
	}
}

func (s *Supervisor) resolveWorkdir(input string, createIfMissing bool) (string, error) {
	workdir := strings.TrimSpace(input)
	switch {
	case workdir == "":
		workdir = s.cfg.DefaultWorkdir
	case !filepath.IsAbs(workdir):
		workdir = filepath.Join(s.cfg.DefaultWorkdir, workdir)
	}
	workdir = filepath.Clean(workdir)

	if _, err := os.Stat(workdir); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat workdir: %w", err)
		}
		if !createIfMissing {
			return "", fmt.Errorf("%w: %s", ErrWorkdirNotFound, workdir)
		}
		if err := os.MkdirAll(workdir, 0o750); err != nil {
			return "", fmt.Errorf("create workdir: %w", err)
		}
	}
	return workdir, nil
}

// watchPlan forwards plan-artifact writes as notice events so dashboard
// observers can refresh the plan without polling. Best effort: a watcher
// failure degrades to polling, never fails the run.
func (s *Supervisor) watchPlan(stateDir string, events chan<- childEvent) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("plan watcher unavailable", "err", err)
		return
	}
	if err := watcher.Add(stateDir); err != nil {
		s.logger.Warn("watch state dir", "err", err)
		_ = watcher.Close()
		return
	}

	stop := s.watcherStop
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != session.PlanFile {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				select {
				case events <- childEvent{notice: true, line: "[plan] updated"}:
				case <-stop:
					return
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

func scanPipe(readers *sync.WaitGroup, r io.Reader, stderr bool, events chan<- childEvent) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		events <- childEvent{line: scanner.Text(), stderr: stderr}
	}
}

func classifyExit(waitErr error, stopRequested bool) session.Status {
	if waitErr == nil {
		return session.StatusSucceeded
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGTERM {
			return session.StatusStopped
		}
	}
	if stopRequested {
		return session.StatusStopped
	}
	return session.StatusFailed
}

func runArgs(record session.Record, cfg Config) []string {
	args := []string{
		"run",
		"--goal", record.Goal,
		"--workdir", record.Workdir,
		"--state-dir", record.StateDir,
		"--max-iterations", strconv.Itoa(record.MaxIterations),
	}
	if cfg.Harness != "" {
		args = append(args, "--harness", cfg.Harness)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	return args
}

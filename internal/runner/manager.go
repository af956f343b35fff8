// Package runner manages per-run browser automation processes. Each run is one child
// process, started in its own process group, driven by a single JSON command on stdin and
// reporting progress as JSON lines on stdout.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opendatalabs/databridge/internal/events"
	"github.com/opendatalabs/databridge/internal/logging"
	"github.com/opendatalabs/databridge/internal/procgroup"
	"github.com/opendatalabs/databridge/internal/protocol"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRunNotFound is returned when a run id is neither tracked nor closable as a window.
	ErrRunNotFound = errors.New("runner: run not found")
	// ErrRunExists is returned when starting a run id that is already tracked.
	ErrRunExists = errors.New("runner: run already exists")
)

const (
	defaultPollInterval = 100 * time.Millisecond
	stopPolls           = 20
	cleanupPolls        = 10
	killWaitPolls       = 20
	sinkTimeout         = 30 * time.Second
	runtimeName         = "playwright"
)

// Config locates the runner.
type Config struct {
	ResourceDir string
	DevDir      string
	NodeBinary  string
	Headless    bool
}

// RunRequest starts one run. An empty RunID is generated.
type RunRequest struct {
	RunID         string `json:"runId"`
	PlatformID    string `json:"platformId"`
	Company       string `json:"company"`
	Name          string `json:"name"`
	ConnectorPath string `json:"connectorPath"`
	URL           string `json:"url"`
	Headless      *bool  `json:"headless,omitempty"`
}

// RunInfo describes a tracked run.
type RunInfo struct {
	RunID      string    `json:"runId"`
	PlatformID string    `json:"platformId"`
	Company    string    `json:"company"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
}

// Export is a finished run result handed to the ResultSink.
type Export struct {
	RunID      string
	PlatformID string
	Company    string
	Name       string
	Data       json.RawMessage
	FinishedAt time.Time
}

// ResultSink keeps finished exports. Failures are logged and never affect the run.
type ResultSink interface {
	SaveExport(ctx context.Context, exp Export) error
}

// WindowCloser closes runs that are driven by an embedded browser window instead of a
// process.
type WindowCloser interface {
	CloseRunWindow(runID string) error
}

// Event payloads.
type (
	StartedPayload struct {
		RunID      string `json:"runId"`
		PlatformID string `json:"platformId"`
		Company    string `json:"company"`
		Name       string `json:"name"`
		Runtime    string `json:"runtime"`
	}
	LogPayload struct {
		RunID     string `json:"runId"`
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}
	StatusPayload struct {
		RunID  string          `json:"runId"`
		Status json.RawMessage `json:"status"`
	}
	DataPayload struct {
		RunID string          `json:"runId"`
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	ExportPayload struct {
		RunID      string          `json:"runId"`
		PlatformID string          `json:"platformId"`
		Company    string          `json:"company"`
		Name       string          `json:"name"`
		Data       json.RawMessage `json:"data"`
		ExportedAt int64           `json:"exportedAt"`
	}
)

type run struct {
	info     RunInfo
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.Reader
	stderr   io.Reader
	readers  sync.WaitGroup
	terminal atomic.Bool
	done     chan struct{}
}

// Manager tracks running automation processes by run id.
type Manager struct {
	cfg     Config
	emitter events.Emitter
	closer  WindowCloser
	sink    ResultSink
	log     *log.Entry

	mu   sync.Mutex
	runs map[string]*run

	pollInterval time.Duration
	resolve      func(Config) (Command, error)
	now          func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithWindowCloser sets the fallback used by Stop for runs without a process.
func WithWindowCloser(c WindowCloser) Option { return func(m *Manager) { m.closer = c } }

// WithResultSink sets where finished exports are kept.
func WithResultSink(s ResultSink) Option { return func(m *Manager) { m.sink = s } }

// NewManager creates a manager with no runs.
func NewManager(cfg Config, emitter events.Emitter, opts ...Option) *Manager {
	if emitter == nil {
		emitter = events.Discard
	}
	m := &Manager{
		cfg:          cfg,
		emitter:      emitter,
		log:          logging.Component("runner"),
		runs:         make(map[string]*run),
		pollInterval: defaultPollInterval,
		resolve:      ResolveCommand,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetConfig replaces the runner location used by later runs.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Start spawns a runner for req and sends it the run command.
func (m *Manager) Start(ctx context.Context, req RunRequest) (RunInfo, error) {
	if err := ctx.Err(); err != nil {
		return RunInfo{}, err
	}
	req.RunID = strings.TrimSpace(req.RunID)
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if strings.TrimSpace(req.ConnectorPath) == "" {
		return RunInfo{}, fmt.Errorf("runner: connector path is required")
	}

	m.mu.Lock()
	if _, exists := m.runs[req.RunID]; exists {
		m.mu.Unlock()
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunExists, req.RunID)
	}
	placeholder := &run{done: make(chan struct{})}
	m.runs[req.RunID] = placeholder
	cfg := m.cfg
	m.mu.Unlock()

	r, err := m.spawn(cfg, req)
	m.mu.Lock()
	if err != nil {
		delete(m.runs, req.RunID)
		m.mu.Unlock()
		return RunInfo{}, err
	}
	m.runs[req.RunID] = r
	m.mu.Unlock()

	entry := m.log.WithFields(log.Fields{"run_id": r.info.RunID, "pid": r.info.PID})
	entry.Info("run started")
	m.emitter.Emit(events.RunStarted, StartedPayload{
		RunID:      r.info.RunID,
		PlatformID: r.info.PlatformID,
		Company:    r.info.Company,
		Name:       r.info.Name,
		Runtime:    runtimeName,
	})

	r.readers.Add(2)
	go m.readStdout(r)
	go m.readStderr(r)
	go m.observe(r)

	headless := cfg.Headless
	if req.Headless != nil {
		headless = *req.Headless
	}
	line, err := runCommand(req, headless)
	if err == nil {
		_, err = r.stdin.Write(line)
	}
	if err != nil {
		entry.WithError(err).Error("send run command failed")
		_ = m.Stop(context.Background(), r.info.RunID)
		return RunInfo{}, fmt.Errorf("runner: send run command: %w", err)
	}
	return r.info, nil
}

func (m *Manager) spawn(cfg Config, req RunRequest) (*run, error) {
	command, err := m.resolve(cfg)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = os.Environ()
	procgroup.Configure(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stderr pipe: %w", err)
	}
	if err = cmd.Start(); err != nil {
		return nil, fmt.Errorf("runner: start %s: %w", command.Path, err)
	}
	return &run{
		info: RunInfo{
			RunID:      req.RunID,
			PlatformID: req.PlatformID,
			Company:    req.Company,
			Name:       req.Name,
			PID:        cmd.Process.Pid,
			StartedAt:  m.now(),
		},
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}, nil
}

// runCommand builds the single line sent to the runner's stdin.
func runCommand(req RunRequest, headless bool) ([]byte, error) {
	return protocol.Encode("run",
		"runId", req.RunID,
		"connectorPath", req.ConnectorPath,
		"url", req.URL,
		"headless", headless,
	)
}

// observe waits for the readers, reaps the process and drops the run. A run that never
// reported a result or an error gets a final STOPPED status.
func (m *Manager) observe(r *run) {
	r.readers.Wait()
	err := r.cmd.Wait()
	_ = r.stdin.Close()

	m.mu.Lock()
	if m.runs[r.info.RunID] == r {
		delete(m.runs, r.info.RunID)
	}
	m.mu.Unlock()
	close(r.done)

	entry := m.log.WithFields(log.Fields{"run_id": r.info.RunID, "pid": r.info.PID})
	if err != nil {
		entry.WithError(err).Info("run process ended")
	} else {
		entry.Info("run process ended")
	}
	if !r.terminal.Load() {
		m.emitter.Emit(events.ConnectorStatus, StatusPayload{
			RunID:  r.info.RunID,
			Status: statusObject("STOPPED", "Process ended"),
		})
	}
}

func (m *Manager) readStdout(r *run) {
	defer r.readers.Done()
	scanner := protocol.NewScanner(r.stdout)
	for scanner.Scan() {
		m.handleLine(r, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		m.log.WithField("run_id", r.info.RunID).WithError(err).Warn("runner stdout read failed")
		_, _ = io.Copy(io.Discard, r.stdout)
	}
}

func (m *Manager) readStderr(r *run) {
	defer r.readers.Done()
	entry := m.log.WithField("run_id", r.info.RunID)
	scanner := bufio.NewScanner(r.stderr)
	for scanner.Scan() {
		entry.Warn(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r.stderr)
}

func (m *Manager) handleLine(r *run, line []byte) {
	id := r.info.RunID
	msg, err := protocol.Decode(line)
	if err != nil {
		m.log.WithField("run_id", id).Debugf("runner: %s", line)
		return
	}

	switch msg.Type {
	case protocol.KindReady:
		m.emitter.Emit(events.ConnectorStatus, StatusPayload{RunID: id, Status: statusObject("READY", "")})
	case protocol.KindLog:
		m.emitter.Emit(events.ConnectorLog, LogPayload{RunID: id, Message: msg.String("message"), Timestamp: m.now().UnixMilli()})
	case protocol.KindStatus:
		status := msg.JSON("status")
		if status == nil {
			status = json.RawMessage(`null`)
		}
		m.emitter.Emit(events.ConnectorStatus, StatusPayload{RunID: id, Status: status})
	case protocol.KindData:
		value := msg.JSON("value")
		if value == nil {
			value = json.RawMessage(`null`)
		}
		m.emitter.Emit(events.ConnectorData, DataPayload{RunID: id, Key: msg.String("key"), Value: value})
	case protocol.KindResult:
		r.terminal.Store(true)
		data := msg.JSON("data")
		if data == nil {
			data = msg.Raw
		}
		finished := m.now()
		m.log.WithField("run_id", id).Info("run finished with a result")
		m.emitter.Emit(events.ExportComplete, ExportPayload{
			RunID:      id,
			PlatformID: r.info.PlatformID,
			Company:    r.info.Company,
			Name:       r.info.Name,
			Data:       data,
			ExportedAt: finished.UnixMilli(),
		})
		m.saveExport(Export{
			RunID:      id,
			PlatformID: r.info.PlatformID,
			Company:    r.info.Company,
			Name:       r.info.Name,
			Data:       data,
			FinishedAt: finished,
		})
	case protocol.KindError:
		r.terminal.Store(true)
		message := msg.String("message")
		m.log.WithFields(log.Fields{"run_id": id, "error": message}).Warn("run reported an error")
		m.emitter.Emit(events.ConnectorLog, LogPayload{RunID: id, Message: "Error: " + message, Timestamp: m.now().UnixMilli()})
		m.emitter.Emit(events.ConnectorStatus, StatusPayload{RunID: id, Status: statusObject("ERROR", message)})
	default:
		m.log.WithField("run_id", id).Debugf("runner: unhandled %s message", msg.Type)
	}
}

func (m *Manager) saveExport(exp Export) {
	if m.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if err := m.sink.SaveExport(ctx, exp); err != nil {
			m.log.WithField("run_id", exp.RunID).WithError(err).Warn("archive export failed")
		}
	}()
}

func statusObject(kind, message string) json.RawMessage {
	out, _ := sjson.SetBytes([]byte(`{}`), "type", kind)
	if message != "" {
		out, _ = sjson.SetBytes(out, "message", message)
	}
	return out
}

// Stop terminates a tracked run. Runs without a process are handed to the WindowCloser.
func (m *Manager) Stop(ctx context.Context, runID string) error {
	m.mu.Lock()
	r := m.runs[runID]
	m.mu.Unlock()

	if r == nil || r.cmd == nil {
		if r == nil && m.closer != nil {
			return m.closer.CloseRunWindow(runID)
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return m.terminate(ctx, r, stopPolls)
}

// StopAll terminates every tracked run concurrently with the shorter cleanup budget.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		if r.cmd != nil {
			runs = append(runs, r)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runs {
		r := r
		g.Go(func() error {
			return m.terminate(gctx, r, cleanupPolls)
		})
	}
	return g.Wait()
}

func (m *Manager) terminate(ctx context.Context, r *run, polls int) error {
	entry := m.log.WithFields(log.Fields{"run_id": r.info.RunID, "pid": r.info.PID})
	if err := procgroup.Terminate(r.info.PID); err != nil {
		entry.WithError(err).Debug("graceful termination signal failed")
	}
	if procgroup.WaitDone(ctx, r.done, polls, m.pollInterval) {
		return nil
	}
	entry.Warn("run did not exit in time, killing process group")
	if err := procgroup.Kill(r.info.PID); err != nil {
		entry.WithError(err).Warn("kill failed")
	}
	if !procgroup.WaitDone(context.Background(), r.done, killWaitPolls, m.pollInterval) {
		m.mu.Lock()
		if m.runs[r.info.RunID] == r {
			delete(m.runs, r.info.RunID)
		}
		m.mu.Unlock()
		return fmt.Errorf("runner: run %s (pid %d) did not exit after kill", r.info.RunID, r.info.PID)
	}
	return nil
}

// List returns the tracked runs, oldest first.
func (m *Manager) List() []RunInfo {
	m.mu.Lock()
	out := make([]RunInfo, 0, len(m.runs))
	for _, r := range m.runs {
		if r.cmd != nil {
			out = append(out, r.info)
		}
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b RunInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RunID, b.RunID)
	})
	return out
}

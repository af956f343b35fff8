// Package sidecar supervises the long-running personal server helper. The supervisor owns
// one process slot: it resolves and spawns the helper, turns its JSON-line output into
// application events and tears it down on request or when the application exits.
package sidecar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendatalabs/databridge/internal/events"
	"github.com/opendatalabs/databridge/internal/logging"
	"github.com/opendatalabs/databridge/internal/procgroup"
	"github.com/opendatalabs/databridge/internal/protocol"
	log "github.com/sirupsen/logrus"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	stopPolls           = 50
	releasePolls        = 30
	shutdownPolls       = 10
	killWaitPolls       = 20
)

// Config locates the helper and chooses its port.
type Config struct {
	ResourceDir    string
	DevDir         string
	ConfigDir      string
	NodeBinary     string
	PreferredPorts []int
}

// StartOptions are passed to the helper through its environment.
type StartOptions struct {
	MasterKeySignature string `json:"masterKeySignature,omitempty"`
	GatewayURL         string `json:"gatewayUrl,omitempty"`
	OwnerAddress       string `json:"ownerAddress,omitempty"`
}

// Status is a snapshot of the supervisor.
type Status struct {
	Running  bool   `json:"running"`
	Port     int    `json:"port,omitempty"`
	PID      int    `json:"pid,omitempty"`
	State    State  `json:"state"`
	DevToken string `json:"devToken,omitempty"`
}

// Event payloads.
type (
	ReadyPayload struct {
		Port int `json:"port"`
	}
	MessagePayload struct {
		Message string `json:"message"`
	}
	LogPayload struct {
		Level   string `json:"level,omitempty"`
		Message string `json:"message"`
	}
	TunnelPayload struct {
		URL string `json:"url"`
	}
	DevTokenPayload struct {
		Token string `json:"token"`
	}
	ExitPayload struct {
		ExitCode *int `json:"exitCode"`
		Crashed  bool `json:"crashed"`
	}
)

type process struct {
	cmd      *exec.Cmd
	pid      int
	port     int
	stopping atomic.Bool
	stdout   io.Reader
	stderr   io.Reader
	readers  sync.WaitGroup
	done     chan struct{}
	outcome  Outcome
}

// Supervisor manages the single personal server process.
type Supervisor struct {
	cfg     Config
	emitter events.Emitter
	log     *log.Entry

	mu       sync.Mutex
	state    State
	proc     *process
	devToken string

	pollInterval time.Duration
	resolve      func(Config) (Command, error)
	allocate     func([]int) (int, error)
	portFree     func(int) bool
}

// New creates a stopped supervisor.
func New(cfg Config, emitter events.Emitter) *Supervisor {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Supervisor{
		cfg:          cfg,
		emitter:      emitter,
		log:          logging.Component("sidecar"),
		state:        StateStopped,
		pollInterval: defaultPollInterval,
		resolve:      ResolveCommand,
		allocate:     AllocatePort,
		portFree:     PortFree,
	}
}

// SetConfig replaces the helper location used by the next Start.
func (s *Supervisor) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start spawns the helper unless one is already starting or running, in which case the
// current status is returned and nothing is spawned.
func (s *Supervisor) Start(ctx context.Context, opts StartOptions) (Status, error) {
	s.mu.Lock()
	if s.proc != nil || s.state == StateStarting || s.state == StateStopping {
		st := s.statusLocked()
		s.mu.Unlock()
		s.log.Debugf("start ignored, helper already %s", st.State)
		return st, nil
	}
	s.state = StateStarting
	cfg := s.cfg
	s.mu.Unlock()

	proc, err := s.spawn(ctx, cfg, opts)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		s.log.WithError(err).Error("personal server failed to start")
		s.emitter.Emit(events.SidecarError, MessagePayload{Message: err.Error()})
		outcome := Outcome{Kind: SpawnFailed, Err: err}
		s.emitter.Emit(events.SidecarExited, ExitPayload{Crashed: outcome.Crashed()})
		return s.Status(), err
	}

	s.mu.Lock()
	s.proc = proc
	s.devToken = ""
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.WithFields(log.Fields{"pid": proc.pid, "port": proc.port}).Info("personal server started")
	proc.readers.Add(2)
	go s.readStdout(proc)
	go s.readStderr(proc)
	go s.observe(proc)
	return st, nil
}

func (s *Supervisor) spawn(ctx context.Context, cfg Config, opts StartOptions) (*process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	command, err := s.resolve(cfg)
	if err != nil {
		return nil, err
	}
	port, err := s.allocate(cfg.PreferredPorts)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(command.Path, command.Args...)
	cmd.Dir = command.Dir
	cmd.Env = Environment(os.Environ(), port, cfg.ConfigDir, opts)
	procgroup.Configure(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: command.Path, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: command.Path, Cause: err}
	}
	if err = cmd.Start(); err != nil {
		return nil, &SpawnError{Path: command.Path, Cause: err}
	}

	p := &process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		port: port,
		done: make(chan struct{}),
	}
	p.stdout, p.stderr = stdout, stderr
	return p, nil
}

// observe is the only goroutine that waits on the child. Wait closes the pipes, so the
// readers must finish first.
func (s *Supervisor) observe(p *process) {
	p.readers.Wait()
	p.outcome = Observe(p.cmd, p.stopping.Load)
	entry := s.log.WithField("pid", p.pid)

	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
		s.devToken = ""
		if p.outcome.Crashed() {
			s.state = StateCrashed
		} else {
			s.state = StateStopped
		}
	}
	s.mu.Unlock()
	close(p.done)

	switch p.outcome.Kind {
	case GracefulStop:
		entry.Info("personal server stopped")
	default:
		payload := ExitPayload{ExitCode: p.outcome.Code, Crashed: p.outcome.Crashed()}
		if payload.Crashed {
			entry.WithError(p.outcome.Err).Warn("personal server exited unexpectedly")
		} else {
			entry.Info("personal server exited")
		}
		s.emitter.Emit(events.SidecarExited, payload)
	}
}

func (s *Supervisor) readStdout(p *process) {
	defer p.readers.Done()
	r := p.stdout
	scanner := protocol.NewScanner(r)
	for scanner.Scan() {
		s.handleLine(p, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		s.log.WithError(err).Warn("personal server stdout read failed")
		_, _ = io.Copy(io.Discard, r)
	}
}

func (s *Supervisor) readStderr(p *process) {
	defer p.readers.Done()
	r := p.stderr
	scanner := bufio.NewScanner(r)
	entry := s.log.WithField("pid", p.pid)
	for scanner.Scan() {
		entry.Warn(scanner.Text())
	}
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) handleLine(p *process, line []byte) {
	msg, err := protocol.Decode(line)
	if err != nil {
		s.log.WithField("pid", p.pid).Debugf("personal server: %s", line)
		return
	}

	switch msg.Type {
	case protocol.KindReady:
		port, ok := msg.Int("port")
		if !ok {
			port = p.port
		}
		s.mu.Lock()
		if s.proc == p && s.state == StateStarting {
			s.state = StateRunning
		}
		s.mu.Unlock()
		s.log.WithField("port", port).Info("personal server ready")
		s.emitter.Emit(events.SidecarReady, ReadyPayload{Port: port})
	case protocol.KindError:
		message := msg.String("message")
		s.log.WithField("error", message).Warn("personal server reported an error")
		s.emitter.Emit(events.SidecarError, MessagePayload{Message: message})
	case protocol.KindLog:
		s.emitter.Emit(events.SidecarLog, LogPayload{Level: msg.String("level"), Message: msg.String("message")})
	case protocol.KindTunnel:
		s.emitter.Emit(events.SidecarTunnel, TunnelPayload{URL: msg.String("url")})
	case protocol.KindTunnelFailed:
		s.emitter.Emit(events.SidecarTunnelFailed, MessagePayload{Message: msg.String("message")})
	case protocol.KindDevToken:
		token := msg.String("token")
		s.mu.Lock()
		if s.proc == p {
			s.devToken = token
		}
		s.mu.Unlock()
		s.emitter.Emit(events.SidecarDevToken, DevTokenPayload{Token: token})
	default:
		s.log.WithField("pid", p.pid).Debugf("personal server: unhandled %s message", msg.Type)
	}
}

// Stop terminates the helper: SIGTERM to its group, a bounded wait, SIGKILL if needed,
// then a bounded wait for its port to become bindable again.
func (s *Supervisor) Stop(ctx context.Context) error {
	p := s.beginStop()
	if p == nil {
		return nil
	}
	err := s.terminate(ctx, p, stopPolls)
	s.waitPortRelease(ctx, p.port)
	return err
}

// Shutdown is Stop without waiting for the port, used on application exit.
func (s *Supervisor) Shutdown() {
	p := s.beginStop()
	if p == nil {
		return
	}
	if err := s.terminate(context.Background(), p, shutdownPolls); err != nil {
		s.log.WithError(err).Warn("personal server shutdown incomplete")
	}
}

func (s *Supervisor) beginStop() *process {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.proc
	if p == nil {
		return nil
	}
	s.state = StateStopping
	p.stopping.Store(true)
	return p
}

func (s *Supervisor) terminate(ctx context.Context, p *process, polls int) error {
	entry := s.log.WithField("pid", p.pid)
	if err := procgroup.Terminate(p.pid); err != nil {
		entry.WithError(err).Debug("graceful termination signal failed")
	}
	if !procgroup.WaitDone(ctx, p.done, polls, s.pollInterval) {
		entry.Warn("personal server did not exit in time, killing")
		if err := procgroup.Kill(p.pid); err != nil {
			entry.WithError(err).Warn("kill failed")
		}
		if !procgroup.WaitDone(context.Background(), p.done, killWaitPolls, s.pollInterval) {
			s.forget(p)
			return fmt.Errorf("sidecar: process %d did not exit after kill", p.pid)
		}
	}
	return nil
}

// forget clears the slot when the observer never reported the exit.
func (s *Supervisor) forget(p *process) {
	s.mu.Lock()
	if s.proc == p {
		s.proc = nil
		s.devToken = ""
		s.state = StateStopped
	}
	s.mu.Unlock()
}

func (s *Supervisor) waitPortRelease(ctx context.Context, port int) {
	if port <= 0 {
		return
	}
	released := procgroup.WaitGone(ctx, func() bool { return !s.portFree(port) }, releasePolls, s.pollInterval)
	if !released {
		s.log.WithField("port", port).Warn("port still in use after stop")
	}
}

// Port returns the port of the tracked helper.
func (s *Supervisor) Port() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0, false
	}
	return s.proc.port, true
}

// Status returns a snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	st := Status{State: s.state, DevToken: s.devToken}
	if s.proc != nil {
		st.Running = true
		st.Port = s.proc.port
		st.PID = s.proc.pid
	}
	return st
}

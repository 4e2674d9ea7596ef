package interop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extbridge/pkg/extension"
)

// Host protocol operations
const (
	OpSources         = "sources"
	OpLoadPreferences = "loadPreferences"
	OpSavePreferences = "savePreferences"
	OpInvoke          = "invoke"
	OpShutdown        = "shutdown"
)

// ProcessConfig configures the extension host command. The host is
// started as <command> <args...> --jar <path> --class <name>.
type ProcessConfig struct {
	Command      string        `yaml:"command"`
	Args         []string      `yaml:"args"`
	Env          []string      `yaml:"env"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// DefaultProcessConfig returns the default host configuration
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		Command:      "extbridge-host",
		CallTimeout:  30 * time.Second,
		CloseTimeout: 5 * time.Second,
	}
}

// HostError is an error reported by the host for one request
type HostError struct {
	Op      string
	Message string
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host %s failed: %s", e.Op, e.Message)
}

type hostRequest struct {
	ID          uint64          `json:"id"`
	Op          string          `json:"op"`
	Source      string          `json:"source,omitempty"`
	Method      string          `json:"method,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Preferences []Preference    `json:"preferences,omitempty"`
}

type hostResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ProcessEngine runs every instance in its own host process, talking
// newline-delimited JSON over stdin and stdout
type ProcessEngine struct {
	config ProcessConfig
	logger *logrus.Logger
}

var _ Engine = (*ProcessEngine)(nil)

// NewProcessEngine creates a new process engine
func NewProcessEngine(config ProcessConfig, logger *logrus.Logger) *ProcessEngine {
	if logger == nil {
		logger = logrus.New()
	}
	return &ProcessEngine{config: config, logger: logger}
}

// Open implements Engine. The host outlives ctx; it is stopped by Close.
func (e *ProcessEngine) Open(ctx context.Context, binding Binding) (Instance, error) {
	if e.config.Command == "" {
		return nil, fmt.Errorf("no host command configured")
	}
	if binding.JarPath == "" {
		return nil, fmt.Errorf("binding for %s has no jar", binding.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := append([]string(nil), e.config.Args...)
	args = append(args, "--jar", binding.JarPath, "--class", binding.ClassName)

	cmd := exec.Command(e.config.Command, args...)
	cmd.Env = append(os.Environ(), e.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open host stdout: %w", err)
	}
	stderr := e.logger.WithFields(logrus.Fields{
		"extension": binding.Name,
		"version":   binding.Version,
	}).WriterLevel(logrus.DebugLevel)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stderr.Close()
		return nil, fmt.Errorf("failed to start host: %w", err)
	}
	e.logger.Debugf("Started host pid %d for %s v%s", cmd.Process.Pid, binding.Name, binding.Version)

	p := &hostProcess{
		cmd:          cmd,
		stdin:        stdin,
		enc:          json.NewEncoder(stdin),
		stderr:       stderr,
		responses:    make(chan hostResponse, 1),
		closing:      make(chan struct{}),
		exited:       make(chan struct{}),
		callTimeout:  e.config.CallTimeout,
		closeTimeout: e.config.CloseTimeout,
	}
	go p.readLoop(stdout)
	return p, nil
}

type hostProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	stderr io.Closer

	responses chan hostResponse
	closing   chan struct{}
	exited    chan struct{}
	waitErr   error

	callTimeout  time.Duration
	closeTimeout time.Duration

	// one request in flight at a time
	mu     sync.Mutex
	nextID uint64

	closeOnce sync.Once
	closeErr  error
}

// readLoop delivers responses until stdout closes, then reaps the process
func (p *hostProcess) readLoop(stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	for {
		var resp hostResponse
		if err := dec.Decode(&resp); err != nil {
			break
		}
		select {
		case p.responses <- resp:
		case <-p.closing:
		}
	}
	// Drain so the host never blocks on a full pipe while exiting
	io.Copy(io.Discard, stdout)

	p.waitErr = p.cmd.Wait()
	p.stderr.Close()
	close(p.exited)
}

func (p *hostProcess) exitError() error {
	if p.waitErr != nil {
		return fmt.Errorf("%w: %v", ErrHostExited, p.waitErr)
	}
	return ErrHostExited
}

func (p *hostProcess) call(ctx context.Context, req hostRequest) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.exited:
		return nil, p.exitError()
	default:
	}

	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	p.nextID++
	req.ID = p.nextID
	if err := p.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostExited, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.exited:
			return nil, p.exitError()
		case resp := <-p.responses:
			if resp.ID != req.ID {
				// late answer to a request whose caller gave up
				continue
			}
			if resp.Error != "" {
				return nil, &HostError{Op: req.Op, Message: resp.Error}
			}
			return resp.Result, nil
		}
	}
}

func (p *hostProcess) Sources(ctx context.Context) ([]extension.Source, error) {
	raw, err := p.call(ctx, hostRequest{Op: OpSources})
	if err != nil {
		return nil, err
	}
	var sources []extension.Source
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("invalid sources from host: %w", err)
	}
	return sources, nil
}

func (p *hostProcess) LoadPreferences(ctx context.Context, sourceID string) ([]Preference, error) {
	raw, err := p.call(ctx, hostRequest{Op: OpLoadPreferences, Source: sourceID})
	if err != nil {
		return nil, err
	}
	var prefs []Preference
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &prefs); err != nil {
			return nil, fmt.Errorf("invalid preferences from host: %w", err)
		}
	}
	return prefs, nil
}

func (p *hostProcess) SavePreferences(ctx context.Context, sourceID string, prefs []Preference) error {
	_, err := p.call(ctx, hostRequest{Op: OpSavePreferences, Source: sourceID, Preferences: prefs})
	return err
}

func (p *hostProcess) Invoke(ctx context.Context, sourceID, op string, args json.RawMessage) (json.RawMessage, error) {
	return p.call(ctx, hostRequest{Op: OpInvoke, Source: sourceID, Method: op, Args: args})
}

// Close asks the host to shut down and kills it if it does not exit in time
func (p *hostProcess) Close() error {
	p.closeOnce.Do(func() {
		timeout := p.closeTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		p.call(ctx, hostRequest{Op: OpShutdown})
		close(p.closing)
		p.stdin.Close()

		select {
		case <-p.exited:
		case <-ctx.Done():
			if err := p.cmd.Process.Kill(); err != nil {
				p.closeErr = fmt.Errorf("failed to kill host: %w", err)
			}
			<-p.exited
		}
	})
	return p.closeErr
}

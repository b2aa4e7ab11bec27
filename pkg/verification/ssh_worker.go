// Copyright 2025 Certen Protocol
//
// SSHVerificationWorker dispatches verification commands to a remote compute
// handle over SSH, using golang.org/x/crypto/ssh, the ecosystem's standard
// remote-execution client.

package verification

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// ErrCommandNotFound is returned by PollStatus/FetchOutput for a commandID
// the worker never dispatched (e.g. after a process restart lost its state).
var ErrCommandNotFound = errors.New("verification: command not found")

// SSHWorkerConfig configures a single remote compute handle's SSH endpoint.
type SSHWorkerConfig struct {
	Host       string
	User       string
	PrivateKeyPath string
	RemoteDir  string
	Logger     *log.Logger
}

type commandRecord struct {
	outcome Outcome
	output  string
}

// SSHVerificationWorker implements VerificationWorker by running the
// verification command over an SSH session and tracking its outcome in an
// in-memory store keyed by commandID. Run blocks on the SSH round trip and
// records the terminal outcome (SUCCESS or FAILED) before it returns, so a
// PollStatus issued after Run returns sees that outcome; IN_PROGRESS is
// visible only to a concurrent poll, and PENDING is never recorded.
type SSHVerificationWorker struct {
	mu       sync.Mutex
	handles  map[string]SSHWorkerConfig
	commands map[string]commandRecord
	logger   *log.Logger
	dial     func(cfg SSHWorkerConfig) (*ssh.Client, error)
}

// NewSSHVerificationWorker constructs a worker with no handles registered yet.
func NewSSHVerificationWorker(logger *log.Logger) *SSHVerificationWorker {
	if logger == nil {
		logger = log.New(log.Writer(), "[VerificationWorker] ", log.LstdFlags)
	}
	w := &SSHVerificationWorker{
		handles:  make(map[string]SSHWorkerConfig),
		commands: make(map[string]commandRecord),
		logger:   logger,
	}
	w.dial = w.dialSSH
	return w
}

// RegisterHandle associates a remote-worker handle name with its SSH
// connection details. Must be called before Start/Run for that handle.
func (w *SSHVerificationWorker) RegisterHandle(handle string, cfg SSHWorkerConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handles[handle] = cfg
}

func (w *SSHVerificationWorker) dialSSH(cfg SSHWorkerConfig) (*ssh.Client, error) {
	keyBytes, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	return ssh.Dial("tcp", cfg.Host, clientCfg)
}

// Start verifies the handle is registered and reachable.
func (w *SSHVerificationWorker) Start(ctx context.Context, handle string) error {
	cfg, ok := w.handleConfig(handle)
	if !ok {
		return fmt.Errorf("verification: unknown handle %q", handle)
	}
	client, err := w.dial(cfg)
	if err != nil {
		return fmt.Errorf("start handle %s: %w", handle, err)
	}
	return client.Close()
}

// Stop is a no-op for SSH handles: there is no persistent session to tear
// down between commands.
func (w *SSHVerificationWorker) Stop(ctx context.Context, handle string) error {
	return nil
}

// IsRunning reports reachability of the remote handle.
func (w *SSHVerificationWorker) IsRunning(ctx context.Context, handle string) (bool, error) {
	cfg, ok := w.handleConfig(handle)
	if !ok {
		return false, fmt.Errorf("verification: unknown handle %q", handle)
	}
	client, err := w.dial(cfg)
	if err != nil {
		return false, nil
	}
	client.Close()
	return true, nil
}

// Run opens an SSH session, executes command in the handle's remote
// directory, and records the outcome under a freshly minted commandID.
func (w *SSHVerificationWorker) Run(ctx context.Context, handle, command string) (string, error) {
	cfg, ok := w.handleConfig(handle)
	if !ok {
		return "", fmt.Errorf("verification: unknown handle %q", handle)
	}

	commandID := w.allocateCommandID(handle)
	w.setRecord(commandID, commandRecord{outcome: OutcomeInProgress})

	client, err := w.dial(cfg)
	if err != nil {
		w.setRecord(commandID, commandRecord{outcome: OutcomeFailed, output: err.Error()})
		return commandID, nil
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		w.setRecord(commandID, commandRecord{outcome: OutcomeFailed, output: err.Error()})
		return commandID, nil
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	fullCommand := command
	if cfg.RemoteDir != "" {
		fullCommand = fmt.Sprintf("cd %s && %s", cfg.RemoteDir, command)
	}

	runErr := session.Run(fullCommand)
	output := stdout.String() + stderr.String()
	if runErr != nil {
		w.logger.Printf("command failed on handle %s: %v", handle, runErr)
		w.setRecord(commandID, commandRecord{outcome: OutcomeFailed, output: output})
		return commandID, nil
	}

	w.setRecord(commandID, commandRecord{outcome: OutcomeSuccess, output: output})
	return commandID, nil
}

// PollStatus returns the last recorded Outcome for commandID.
func (w *SSHVerificationWorker) PollStatus(ctx context.Context, handle, commandID string) (Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.commands[commandID]
	if !ok {
		return "", ErrCommandNotFound
	}
	return rec.outcome, nil
}

// FetchOutput returns the captured stdout/stderr for commandID.
func (w *SSHVerificationWorker) FetchOutput(ctx context.Context, handle, commandID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.commands[commandID]
	if !ok {
		return "", ErrCommandNotFound
	}
	return rec.output, nil
}

func (w *SSHVerificationWorker) handleConfig(handle string) (SSHWorkerConfig, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg, ok := w.handles[handle]
	return cfg, ok
}

// allocateCommandID mints a globally unique commandID for handle. A random
// UUID (rather than a per-handle counter) keeps IDs unique across process
// restarts, which matters because PollStatus/FetchOutput callers may have
// persisted a commandID from before a coordinator restart.
func (w *SSHVerificationWorker) allocateCommandID(handle string) string {
	return fmt.Sprintf("%s-cmd-%s", handle, uuid.New().String())
}

func (w *SSHVerificationWorker) setRecord(commandID string, rec commandRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commands[commandID] = rec
}

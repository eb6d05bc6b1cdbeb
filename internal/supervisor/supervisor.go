// Package supervisor implements the Supervisor control loop (spec §4.5):
// it spawns analyzer-module subprocesses for planned analyzers, brokers
// their authenticated requests over a line-delimited JSON socket, and
// drives their state through executing to executed or error. It keeps a
// single in-memory agent map, mutex-guarded rather than channel-owned,
// since the registry itself never does blocking I/O — the blocking work
// (subprocess spawn/await, socket read/write) always happens off the lock.
package supervisor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/ptocore/ptocore/pkg/analyzerstate"
	"github.com/ptocore/ptocore/pkg/protocol"
	"github.com/ptocore/ptocore/pkg/repomanager"
)

// Reserved identifier prefixes: any scratch scope or socket identity
// starting with one of these is understood to be owned by this Supervisor
// and is safe to reap at startup if found orphaned by a prior crash.
const (
	ReservedModulePrefix = "module_"
	ReservedOnlinePrefix = "online_"
)

// maxStderrCapture bounds how much of a failed subprocess's stderr is
// stamped into the analyzer's error reason.
const maxStderrCapture = 4096

// Agent is the Supervisor-side object brokering one analyzer execution:
// generated credentials, the analyzer context captured at prepare time,
// the scratch scope it is allowed to write to, and the result it reports
// back over the socket before exiting.
type Agent struct {
	Identifier string
	Token      string

	AnalyzerID   string
	ActionID     int64
	InputFormats []string
	InputTypes   []string
	OutputTypes  []string

	ScratchScope string
	Online       bool

	cmd *exec.Cmd

	mu          sync.Mutex
	resultSet   bool
	maxActionID int64
	timespans   []protocol.TimeSpan
	uploadIDs   []string
}

// Registrar is implemented by a store able to persist a brand-new analyzer
// record discovered by RegisterModule. analyzerstate.Store itself does not
// carry this (registration is an admin-domain act, not a state transition),
// so it is a separate, narrower interface.
type Registrar interface {
	RegisterAnalyzer(ctx context.Context, r *analyzerstate.Record) error
}

// Config configures a Supervisor. Func-typed store hooks follow the same
// injection idiom as internal/sensor and internal/validator (e.g.
// RepoOpener) rather than requiring the backing store to implement an
// interface with a covariant return type.
type Config struct {
	Analyzers analyzerstate.Store
	Registrar Registrar

	// ListScratchScopes and DropScratchScope back the startup orphan
	// reaper (§4.5 "Startup cleanup").
	ListScratchScopes func(ctx context.Context) ([]string, error)
	DropScratchScope  func(ctx context.Context, scope string) error

	OpenRepo func(workingDir string) (repomanager.Repository, error)

	// ScratchBaseDir is the working-directory root RegisterModule checks
	// new analyzer repositories out into.
	ScratchBaseDir string

	Host string
	Port int

	// SpawnRateWindow/SpawnRateMax throttle repeated execution attempts of
	// a single flapping analyzer; zero disables throttling.
	SpawnRateWindow time.Duration
	SpawnRateMax    int

	// SparkConfig/DistributedConfig are returned verbatim by get_spark and
	// get_distributed, free-form passthroughs from the daemon's own
	// configuration (§4.5).
	SparkConfig       map[string]any
	DistributedConfig map[string]any

	Logger *slog.Logger
}

// OpenRepo is the default RepoOpener, backed by pkg/repomanager.
func OpenRepo(workingDir string) (repomanager.Repository, error) {
	return repomanager.Open(workingDir)
}

// Supervisor is the running control loop plus its socket server.
type Supervisor struct {
	analyzers analyzerstate.Store
	registrar Registrar

	listScratch    func(ctx context.Context) ([]string, error)
	dropScratch    func(ctx context.Context, scope string) error
	openRepo       func(workingDir string) (repomanager.Repository, error)
	scratchBaseDir string

	host string
	port int

	limiter *catrate.Limiter

	sparkConfig       map[string]any
	distributedConfig map[string]any

	mu     sync.Mutex
	agents map[string]*Agent
	nextID int64

	logger *slog.Logger
}

// New builds a Supervisor from cfg, defaulting OpenRepo and Logger.
func New(cfg Config) *Supervisor {
	openRepo := cfg.OpenRepo
	if openRepo == nil {
		openRepo = OpenRepo
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *catrate.Limiter
	if cfg.SpawnRateMax > 0 && cfg.SpawnRateWindow > 0 {
		limiter = catrate.NewLimiter(map[time.Duration]int{cfg.SpawnRateWindow: cfg.SpawnRateMax})
	}

	return &Supervisor{
		analyzers:         cfg.Analyzers,
		registrar:         cfg.Registrar,
		listScratch:       cfg.ListScratchScopes,
		dropScratch:       cfg.DropScratchScope,
		openRepo:          openRepo,
		scratchBaseDir:    cfg.ScratchBaseDir,
		host:              cfg.Host,
		port:              cfg.Port,
		limiter:           limiter,
		sparkConfig:       cfg.SparkConfig,
		distributedConfig: cfg.DistributedConfig,
		agents:            make(map[string]*Agent),
		logger:            logger,
	}
}

// CleanupOrphans drops every scratch scope whose name begins with a
// reserved prefix, recovering resources a crashed prior Supervisor left
// behind (§4.5 "Startup cleanup"). Call once, before Serve.
func (s *Supervisor) CleanupOrphans(ctx context.Context) error {
	if s.listScratch == nil {
		return nil
	}

	scopes, err := s.listScratch(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: listing scratch scopes: %w", err)
	}

	for _, scope := range scopes {
		if !strings.HasPrefix(scope, ReservedModulePrefix) && !strings.HasPrefix(scope, ReservedOnlinePrefix) {
			continue
		}

		if err := s.dropScratch(ctx, scope); err != nil {
			s.logger.Warn("supervisor: reaping orphaned scratch scope failed", "scope", scope, "error", err)

			continue
		}

		s.logger.Info("supervisor: reaped orphaned scratch scope", "scope", scope)
	}

	return nil
}

// RegisterModule procures repoURL at repoCommit into a fresh working
// directory, reads its ptocore.json manifest, and persists a new analyzer
// record in StateDisabled. It is the Supervisor-side counterpart of the
// admin surface registering a module (§1, out of scope) actually handing
// the Supervisor a repository to check out.
func (s *Supervisor) RegisterModule(ctx context.Context, analyzerID, repoURL, repoCommit string) error {
	if s.registrar == nil {
		return errors.New("supervisor: no registrar configured")
	}

	manifest, repo, err := repomanager.Procure(s.scratchBaseDir, analyzerID, repoURL, repoCommit)
	if err != nil {
		return fmt.Errorf("supervisor: procuring repository for %s: %w", analyzerID, err)
	}
	defer repo.Close()

	record := &analyzerstate.Record{
		ID:           analyzerID,
		CommandLine:  manifest.CommandLine,
		InputFormats: manifest.InputFormats,
		InputTypes:   manifest.InputTypes,
		OutputTypes:  manifest.OutputTypes,
		WorkingDir:   repo.Path(),
	}

	if err := s.registrar.RegisterAnalyzer(ctx, record); err != nil {
		return fmt.Errorf("supervisor: registering analyzer %s: %w", analyzerID, err)
	}

	s.logger.Info("supervisor: registered analyzer module", "analyzer_id", analyzerID, "git_url", repoURL, "git_commit", repoCommit)

	return nil
}

// Tick scans every planned analyzer, honours pending wishes, and spawns an
// execution goroutine for the rest, respecting the spawn-rate limiter. It
// returns as soon as spawning is kicked off; it never blocks on a
// subprocess, so the socket server stays responsive per §5.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.logger.Debug("supervisor: check for work")

	planned, err := s.analyzers.PlannedAnalyzers(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: listing planned analyzers: %w", err)
	}

	for _, a := range planned {
		if err := s.tickOne(ctx, a); err != nil {
			s.logger.Warn("supervisor: tick failed for analyzer", "analyzer_id", a.ID, "error", err)
		}
	}

	return nil
}

func (s *Supervisor) tickOne(ctx context.Context, a *analyzerstate.Record) error {
	honoured, err := analyzerstate.HonourWish(ctx, s.analyzers, analyzerstate.DomainSupervisor, a)
	if err != nil {
		return fmt.Errorf("honouring wish: %w", err)
	}

	if honoured {
		s.logger.Info("supervisor: honoured wish", "analyzer_id", a.ID, "wish", a.Wish)

		return nil
	}

	if s.limiter != nil {
		if _, ok := s.limiter.Allow(a.ID); !ok {
			s.logger.Debug("supervisor: spawn rate-limited", "analyzer_id", a.ID)

			return nil
		}
	}

	go s.runModule(ctx, a)

	return nil
}

// runModule drives one planned analyzer through prepare, execute, and
// finalize. Errors at any stage transition the analyzer to StateError;
// runModule itself never returns an error since it runs detached from
// Tick.
func (s *Supervisor) runModule(ctx context.Context, a *analyzerstate.Record) {
	agent, err := s.prepare(ctx, a)
	if err != nil {
		s.logger.Error("supervisor: prepare failed", "analyzer_id", a.ID, "error", err)

		if terr := analyzerstate.TransitionToError(ctx, s.analyzers, analyzerstate.DomainSupervisor, a.ID, analyzerstate.StatePlanned, err.Error()); terr != nil {
			s.logger.Error("supervisor: transitioning to error failed", "analyzer_id", a.ID, "error", terr)
		}

		return
	}

	s.register(agent)
	defer s.unregister(agent.Identifier)

	runErr, stderr := s.execute(ctx, agent, a)

	s.finalize(ctx, agent, a, runErr, stderr)
}

// prepare cleans the analyzer's working directory, mints a scoped
// identity, and CASes planned→executing (§4.5 "Prepare").
func (s *Supervisor) prepare(ctx context.Context, a *analyzerstate.Record) (*Agent, error) {
	if repo, err := s.openRepo(a.WorkingDir); err == nil {
		cleanErr := repomanager.Clean(repo)
		repo.Close()

		if cleanErr != nil {
			return nil, fmt.Errorf("cleaning working directory: %w", cleanErr)
		}
	}

	n := atomic.AddInt64(&s.nextID, 1)
	identifier := fmt.Sprintf("%s%d", ReservedModulePrefix, n)

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	agent := &Agent{
		Identifier:   identifier,
		Token:        token,
		AnalyzerID:   a.ID,
		ActionID:     a.ActionID,
		InputFormats: a.InputFormats,
		InputTypes:   a.InputTypes,
		OutputTypes:  a.OutputTypes,
		ScratchScope: identifier,
	}

	err = analyzerstate.Transition(ctx, s.analyzers, analyzerstate.DomainSupervisor, a.ID, analyzerstate.StatePlanned, analyzerstate.StateExecuting, nil)
	if err != nil {
		return nil, fmt.Errorf("transitioning to executing: %w", err)
	}

	s.logger.Info("supervisor: prepared agent", "analyzer_id", a.ID, "identifier", identifier)

	return agent, nil
}

// execute spawns a.CommandLine as a child process in a.WorkingDir, with
// PTO_CREDENTIALS carrying agent's dial-back identity (§4.5 "Execute",
// §6). It blocks its own goroutine until the process exits, never the
// caller of Tick.
func (s *Supervisor) execute(ctx context.Context, agent *Agent, a *analyzerstate.Record) (error, string) {
	if len(a.CommandLine) == 0 {
		return errors.New("supervisor: analyzer has an empty command_line"), ""
	}

	creds := protocol.Credentials{Identifier: agent.Identifier, Token: agent.Token, Host: s.host, Port: s.port}

	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err), ""
	}

	cmd := exec.CommandContext(ctx, a.CommandLine[0], a.CommandLine[1:]...)
	cmd.Dir = a.WorkingDir
	cmd.Env = append(os.Environ(), protocol.EnvVar+"="+string(credsJSON))
	cmd.Stdout = io.Discard

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	agent.cmd = cmd

	s.logger.Info("supervisor: spawning analyzer", "analyzer_id", a.ID, "identifier", agent.Identifier, "command", a.CommandLine)

	runErr := cmd.Run()

	return runErr, stderr.String()
}

// finalize tears the agent down and CASes executing→{error,executed}
// depending on exit status and whether the analyzer reported a result
// (§4.5 "Finalize").
func (s *Supervisor) finalize(ctx context.Context, agent *Agent, a *analyzerstate.Record, runErr error, stderr string) {
	if runErr != nil {
		reason := runErr.Error()
		if stderr != "" {
			reason = fmt.Sprintf("%s: %s", reason, truncate(stderr, maxStderrCapture))
		}

		s.toError(ctx, a.ID, reason)

		return
	}

	agent.mu.Lock()
	resultSet := agent.resultSet
	maxActionID := agent.maxActionID
	timespans := agent.timespans
	uploadIDs := agent.uploadIDs
	agent.mu.Unlock()

	if !resultSet {
		s.toError(ctx, a.ID, "analyzer exited without reporting a result via set_result_info(_direct)")

		return
	}

	result := &analyzerstate.ExecutionResult{ScratchScope: agent.ScratchScope, MaxActionID: maxActionID}

	if len(uploadIDs) > 0 {
		result.IsDirect = true
		result.UploadIDs = uploadIDs
	} else {
		result.Timespans = make([]analyzerstate.Span, len(timespans))
		for i, ts := range timespans {
			result.Timespans[i] = analyzerstate.Span{Start: ts[0].UnixNano(), End: ts[1].UnixNano()}
		}
	}

	err := analyzerstate.Transition(ctx, s.analyzers, analyzerstate.DomainSupervisor, a.ID, analyzerstate.StateExecuting, analyzerstate.StateExecuted, func(r *analyzerstate.Record) {
		r.ExecutionResult = result
	})
	if err != nil {
		s.logger.Error("supervisor: transitioning to executed failed", "analyzer_id", a.ID, "error", err)

		return
	}

	s.logger.Info("supervisor: analyzer executed", "analyzer_id", a.ID, "direct", result.IsDirect)
}

func (s *Supervisor) toError(ctx context.Context, analyzerID, reason string) {
	if err := analyzerstate.TransitionToError(ctx, s.analyzers, analyzerstate.DomainSupervisor, analyzerID, analyzerstate.StateExecuting, reason); err != nil {
		s.logger.Error("supervisor: transitioning to error failed", "analyzer_id", analyzerID, "error", err)

		return
	}

	s.logger.Error("supervisor: analyzer errored", "analyzer_id", analyzerID, "reason", reason)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("supervisor: generating token: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// register and unregister guard the agent map. The registry itself never
// blocks, so a mutex serializes access without risking the "one goroutine
// owns the map" invariant being starved by slow I/O under the lock.
func (s *Supervisor) register(a *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[a.Identifier] = a
}

func (s *Supervisor) unregister(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.agents, identifier)
}

func (s *Supervisor) lookup(identifier string) (*Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[identifier]

	return a, ok
}

// NewOnlineAgent registers an interactive agent not backed by a
// subprocess, for on-demand analyzer sessions (§4.5 "Online agent
// variant"). Callers must eventually call CloseOnline.
func (s *Supervisor) NewOnlineAgent(analyzerID string, inputFormats, inputTypes, outputTypes []string) (*Agent, error) {
	n := atomic.AddInt64(&s.nextID, 1)
	identifier := fmt.Sprintf("%s%d", ReservedOnlinePrefix, n)

	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	agent := &Agent{
		Identifier:   identifier,
		Token:        token,
		AnalyzerID:   analyzerID,
		InputFormats: inputFormats,
		InputTypes:   inputTypes,
		OutputTypes:  outputTypes,
		ScratchScope: identifier,
		Online:       true,
	}

	s.register(agent)

	s.logger.Info("supervisor: opened online agent", "analyzer_id", analyzerID, "identifier", identifier)

	return agent, nil
}

// CloseOnline tears down an online agent created by NewOnlineAgent and
// drops its scratch scope.
func (s *Supervisor) CloseOnline(ctx context.Context, agent *Agent) error {
	if !agent.Online {
		return errors.New("supervisor: not an online agent")
	}

	s.unregister(agent.Identifier)

	if s.dropScratch == nil {
		return nil
	}

	if err := s.dropScratch(ctx, agent.ScratchScope); err != nil {
		return fmt.Errorf("supervisor: dropping online agent scratch scope: %w", err)
	}

	return nil
}

// Serve runs the line-delimited JSON socket server until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("supervisor: listening on %s:%d: %w", s.host, s.port, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("supervisor: listening", "host", s.host, "port", s.port)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.logger.Warn("supervisor: accept failed", "error", err)

			continue
		}

		go s.handleConn(conn)
	}
}

// handleConn serves one long-lived connection, one request/response pair
// per line, until the peer disconnects or sends a malformed/oversize line
// (§6: dropped and the connection reset silently, no error reply).
func (s *Supervisor) handleConn(conn net.Conn) {
	defer conn.Close()

	pc := protocol.NewConn(conn)

	for {
		req, err := pc.ReadRequest()
		if err != nil {
			return
		}

		resp := s.dispatch(req)

		if err := pc.WriteResponse(resp); err != nil {
			return
		}
	}
}

func (s *Supervisor) dispatch(req protocol.Request) protocol.Response {
	agent, ok := s.lookup(req.Identifier)
	if !ok || agent.Token != req.Token {
		return protocol.ErrorResponse(errors.New("authentication failed: unknown identifier or bad token"))
	}

	switch req.Action {
	case protocol.ActionGetInfo:
		return s.handleGetInfo(agent)
	case protocol.ActionGetSpark:
		return s.handleGetSpark()
	case protocol.ActionGetDistributed:
		return s.handleGetDistributed()
	case protocol.ActionSetResultInfo:
		return s.handleSetResultInfo(agent, req.Payload)
	case protocol.ActionSetResultInfoDirect:
		return s.handleSetResultInfoDirect(agent, req.Payload)
	default:
		return protocol.ErrorResponse(fmt.Errorf("unrecognised action: %s", req.Action))
	}
}

func (s *Supervisor) handleGetInfo(agent *Agent) protocol.Response {
	result := protocol.GetInfoResult{
		URL:          fmt.Sprintf("scope://%s", agent.ScratchScope),
		Output:       [2]string{"scratch", agent.ScratchScope},
		Observations: [2]string{"observations", "observations"},
		Metadata:     [2]string{"metadata", "upload_metadata"},
		AnalyzerID:   agent.AnalyzerID,
		ActionID:     agent.ActionID,
		InputFormats: agent.InputFormats,
		InputTypes:   agent.InputTypes,
		OutputTypes:  agent.OutputTypes,
	}

	resp, err := protocol.NewResult(result)
	if err != nil {
		return protocol.ErrorResponse(err)
	}

	return resp
}

func (s *Supervisor) handleGetSpark() protocol.Response {
	resp, err := protocol.NewResult(s.sparkConfig)
	if err != nil {
		return protocol.ErrorResponse(err)
	}

	return resp
}

func (s *Supervisor) handleGetDistributed() protocol.Response {
	resp, err := protocol.NewResult(s.distributedConfig)
	if err != nil {
		return protocol.ErrorResponse(err)
	}

	return resp
}

func (s *Supervisor) handleSetResultInfo(agent *Agent, payload json.RawMessage) protocol.Response {
	var p protocol.SetResultInfoPayload
	if err := protocol.DecodePayload(payload, &p); err != nil {
		return protocol.ErrorResponse(fmt.Errorf("set_result_info: %w", err))
	}

	if p.MaxActionID < 0 || len(p.Timespans) == 0 {
		return protocol.ErrorResponse(errors.New("set_result_info: max_action_id must be >= 0 and timespans must be non-empty"))
	}

	for _, ts := range p.Timespans {
		if ts[1].Before(ts[0]) {
			return protocol.ErrorResponse(errors.New("set_result_info: malformed timespan: end before start"))
		}
	}

	agent.mu.Lock()
	agent.maxActionID = p.MaxActionID
	agent.timespans = p.Timespans
	agent.uploadIDs = nil
	agent.resultSet = true
	agent.mu.Unlock()

	resp, _ := protocol.NewResult(protocol.SetResultInfoResult{Accepted: true})

	return resp
}

func (s *Supervisor) handleSetResultInfoDirect(agent *Agent, payload json.RawMessage) protocol.Response {
	var p protocol.SetResultInfoDirectPayload
	if err := protocol.DecodePayload(payload, &p); err != nil {
		return protocol.ErrorResponse(fmt.Errorf("set_result_info_direct: %w", err))
	}

	if p.MaxActionID < 0 || len(p.UploadIDs) == 0 {
		return protocol.ErrorResponse(errors.New("set_result_info_direct: max_action_id must be >= 0 and upload_ids must be non-empty"))
	}

	agent.mu.Lock()
	agent.maxActionID = p.MaxActionID
	agent.uploadIDs = p.UploadIDs
	agent.timespans = nil
	agent.resultSet = true
	agent.mu.Unlock()

	resp, _ := protocol.NewResult(protocol.SetResultInfoResult{Accepted: true})

	return resp
}

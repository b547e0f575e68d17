package streaming

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/domain/session"
	"github.com/fieldlink/ctrld/internal/domain/setup"
)

const (
	bonderName  = "bonder"
	encoderName = "encoder"

	bonderCooldown  = 100 * time.Millisecond
	encoderCooldown = 2000 * time.Millisecond
)

// ProcessRunner is the C2 surface the streaming supervisor drives.
type ProcessRunner interface {
	Start(name string, argv []string, cooldown time.Duration)
	Stop(name string)
	SignalByName(name string, sig syscall.Signal)
}

// ConfigStore is the C1 surface the supervisor persists accepted params
// into.
type ConfigStore interface {
	Config() session.Config
	SaveConfig(session.Config) error
}

// UplinkSource supplies the currently-enabled interface addresses.
type UplinkSource interface {
	EnabledAddrs() []string
}

// Resolver performs the DNS lookup suspension point that start() blocks on
// before committing to a run.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Supervisor implements C6.
type Supervisor struct {
	log   *zap.Logger
	setup *setup.Setup

	runner    ProcessRunner
	store     ConfigStore
	uplinks   UplinkSource
	pipelines PipelineResolver
	resolver  Resolver

	mu    sync.Mutex
	state State
}

func New(log *zap.Logger, su *setup.Setup, runner ProcessRunner, store ConfigStore, uplinks UplinkSource, pipelines PipelineResolver) *Supervisor {
	return &Supervisor{
		log:       log.Named("streaming"),
		setup:     su,
		runner:    runner,
		store:     store,
		uplinks:   uplinks,
		pipelines: pipelines,
		resolver:  net.DefaultResolver,
		state:     Idle,
	}
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) IsStreaming() bool { return s.State() == Streaming }

// StartResult reports the outcome of Start for the caller to translate
// into wire notifications/status frames.
type StartResult struct {
	OK      bool
	Err     error
	Config  session.Config
}

// Start validates and launches a stream. Preconditions: not already
// streaming, no upgrade in progress (the upgradeInProgress check is the
// caller's responsibility — the router holds that flag, not this type).
func (s *Supervisor) Start(ctx context.Context, p Params) StartResult {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return StartResult{OK: false, Err: fmt.Errorf("not idle")}
	}
	s.state = Starting
	s.mu.Unlock()

	toIdle := func() { s.mu.Lock(); s.state = Idle; s.mu.Unlock() }

	pipelinePath, err := Validate(p, s.pipelines)
	if err != nil {
		toIdle()
		return StartResult{OK: false, Err: err}
	}

	if _, err := s.resolver.LookupHost(ctx, p.SRTLAAddr); err != nil {
		toIdle()
		return StartResult{OK: false, Err: fmt.Errorf("srtla_addr did not resolve: %w", err)}
	}

	addrs := s.uplinks.EnabledAddrs()
	if len(addrs) == 0 {
		toIdle()
		return StartResult{OK: false, Err: fmt.Errorf("no enabled uplinks")}
	}
	if err := writeUplinkFile(s.setup.UplinkIPsFile, addrs); err != nil {
		toIdle()
		return StartResult{OK: false, Err: err}
	}

	cfg := s.store.Config()
	cfg.Delay = p.Delay
	cfg.Pipeline = p.Pipeline
	cfg.MaxBR = p.MaxBR
	cfg.SRTLatency = p.SRTLatency
	cfg.SRTStreamID = p.SRTStreamID
	cfg.SRTLAAddr = p.SRTLAAddr
	cfg.SRTLAPort = p.SRTLAPort
	if err := s.store.SaveConfig(cfg); err != nil {
		toIdle()
		return StartResult{OK: false, Err: err}
	}

	if err := writeBitrateFile(s.setup.BitrateFile, p.MaxBR); err != nil {
		toIdle()
		return StartResult{OK: false, Err: err}
	}

	s.mu.Lock()
	s.state = Streaming
	s.mu.Unlock()

	bonderArgv := buildBonderArgv(s.setup.BonderPath, p.SRTLAAddr, p.SRTLAPort, s.setup.UplinkIPsFile)
	encoderArgv := buildEncoderArgv(s.setup.EncoderPath, pipelinePath, s.setup.BitrateFile, p)

	s.runner.Start(bonderName, bonderArgv, bonderCooldown)
	s.runner.Start(encoderName, encoderArgv, encoderCooldown)

	return StartResult{OK: true, Config: cfg}
}

// SetBitrate updates the live bitrate ceiling. Returns (value, true) on
// acceptance, (0, false) if out of range or not currently streaming.
func (s *Supervisor) SetBitrate(maxBR int) (int, bool) {
	if maxBR < 300 || maxBR > 12000 {
		return 0, false
	}
	if s.State() != Streaming {
		return 0, false
	}

	cfg := s.store.Config()
	cfg.MaxBR = maxBR
	if err := s.store.SaveConfig(cfg); err != nil {
		s.log.Warn("persist bitrate failed", zap.Error(err))
		return 0, false
	}

	if err := writeBitrateFile(s.setup.BitrateFile, maxBR); err != nil {
		s.log.Warn("write bitrate file failed", zap.Error(err))
		return 0, false
	}

	// Persist before signaling: if the encoder restarts mid-hangup it must
	// see the new value already on disk, not the one it started with.
	s.runner.SignalByName(encoderName, syscall.SIGHUP)
	return maxBR, true
}

// Stop is idempotent and valid in any state.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.state == Idle {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.mu.Unlock()

	s.runner.Stop(bonderName)
	s.runner.Stop(encoderName)

	s.mu.Lock()
	s.state = Idle
	s.mu.Unlock()
}

// UpdateUplinks rewrites the uplink-IP file from the currently-enabled
// interfaces and hangs up the bonder so it re-reads it.
func (s *Supervisor) UpdateUplinks() error {
	addrs := s.uplinks.EnabledAddrs()
	if err := writeUplinkFile(s.setup.UplinkIPsFile, addrs); err != nil {
		return err
	}
	s.runner.SignalByName(bonderName, syscall.SIGHUP)
	return nil
}

// writeBitrateFile writes the two-line bitrate file (min\nmax bits/s).
// min is fixed at a quarter of max, a conservative floor below the
// target ceiling.
func writeBitrateFile(path string, maxBRKbps int) error {
	minBps := (maxBRKbps * 1000) / 4
	maxBps := maxBRKbps * 1000
	content := strconv.Itoa(minBps) + "\n" + strconv.Itoa(maxBps) + "\n"
	return os.WriteFile(path, []byte(content), 0o644)
}

func writeUplinkFile(path string, addrs []string) error {
	return os.WriteFile(path, []byte(strings.Join(addrs, "\n")+"\n"), 0o644)
}

package launcher

import (
	"context"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/influxdata/agency/bolt"
	"github.com/influxdata/agency/compaction"
	"github.com/influxdata/agency/kit/cli"
	"github.com/influxdata/agency/kit/prom"
	kithttp "github.com/influxdata/agency/kit/transport/http"
	"github.com/influxdata/agency/raft"
	"github.com/influxdata/agency/toml"
	"github.com/influxdata/agency/verifier"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var buildInfo = BuildInfo{Version: "dev", Commit: "none", Date: "unknown"}

// SetBuildInfo records the version of the binary for the startup log.
func SetBuildInfo(version, commit, date string) {
	buildInfo = BuildInfo{Version: version, Commit: commit, Date: date}
}

// NewCommand returns the command that runs agencyd until it receives
// SIGINT or SIGTERM.
func NewCommand(v *viper.Viper) (*cobra.Command, error) {
	l := NewLauncher()
	return buildLauncherCommand(v, l, func() error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := l.run(ctx); err != nil {
			return err
		}
		<-ctx.Done()

		// Attempt clean shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.Shutdown(ctx)
	})
}

func buildLauncherCommand(v *viper.Viper, l *Launcher, run func() error) (*cobra.Command, error) {
	l.viper = v
	cmd, err := cli.NewCommand(v, &cli.Program{
		Run:  run,
		Name: "agencyd",
		Opts: []cli.Opt{
			{
				DestP: &l.configPath,
				Flag:  "config",
				Desc:  "path to a toml configuration file",
			},
			{
				DestP:   &l.logLevel,
				Flag:    "log-level",
				Default: zapcore.InfoLevel,
				Desc:    "supported log levels are debug, info, warn and error",
			},
			{
				DestP:   &l.httpBindAddress,
				Flag:    "http-bind-address",
				Default: DefaultBindAddress,
				Desc:    "bind address for the consensus and administrative HTTP API",
			},
			{
				DestP: &l.boltPath,
				Flag:  "bolt-path",
				Desc:  "path to the boltdb file holding the log",
			},
			{
				DestP:   &l.nodeID,
				Flag:    "node-id",
				Default: 1,
				Desc:    "id of this node within the cluster",
			},
			{
				DestP: &l.peers,
				Flag:  "peers",
				Desc:  "cluster members as id=url, for example 2=http://agency-2:8529/raft",
			},
			{
				DestP:   &l.compactionDisabled,
				Flag:    "compaction-disabled",
				Default: false,
				Desc:    "never compact the log",
			},
			{
				DestP:   &l.verifyInterval,
				Flag:    "verify-interval",
				Default: toml.Duration(verifier.DefaultInterval),
				Desc:    "time between revision tree checks",
			},
		},
	})
	if err != nil {
		return nil, err
	}
	cmd.Use = "run"
	cmd.Short = "Start the agency node (default)"
	return cmd, nil
}

// Launcher represents the main program execution.
type Launcher struct {
	wg      sync.WaitGroup
	cancel  func()
	running bool

	viper              *viper.Viper
	configPath         string
	logLevel           zapcore.Level
	httpBindAddress    string
	boltPath           string
	nodeID             int
	peers              []string
	compactionDisabled bool
	verifyInterval     toml.Duration

	config     *Config
	store      *bolt.LogStore
	node       *raft.Node
	nodeOpen   bool
	compactor  *compaction.Manager
	shard      *clientShard
	monitor    *verifier.Monitor
	httpServer *nethttp.Server
	httpPort   int

	logger *zap.Logger
	reg    *prom.Registry

	Stdout io.Writer
	Stderr io.Writer
}

// NewLauncher returns a new instance of Launcher connected to standard out/err.
func NewLauncher() *Launcher {
	return &Launcher{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Running returns true if the main Launcher has started running.
func (m *Launcher) Running() bool { return m.running }

// Config returns the effective configuration.
func (m *Launcher) Config() *Config { return m.config }

// Node returns the consensus node.
func (m *Launcher) Node() *raft.Node { return m.node }

// Compactor returns the compaction manager.
func (m *Launcher) Compactor() *compaction.Manager { return m.compactor }

// Monitor returns the revision tree monitor.
func (m *Launcher) Monitor() *verifier.Monitor { return m.monitor }

// Registry returns the prometheus metrics registry.
func (m *Launcher) Registry() *prom.Registry { return m.reg }

// Logger returns the launchers logger.
func (m *Launcher) Logger() *zap.Logger { return m.logger }

// URL returns the URL to connect to the HTTP server.
func (m *Launcher) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", m.httpPort)
}

// Run executes the program with the given CLI arguments and returns once
// every service is started. Call Shutdown to stop it.
func (m *Launcher) Run(ctx context.Context, args ...string) error {
	cmd, err := buildLauncherCommand(viper.New(), m, func() error { return m.run(ctx) })
	if err != nil {
		return err
	}
	cmd.SetArgs(args)
	return cmd.Execute()
}

// loadConfig reads the config file and applies the options that were set
// on the command line or in the environment.
func (m *Launcher) loadConfig() (*Config, error) {
	c := NewConfig()
	if m.configPath != "" {
		if err := c.FromTomlFile(m.configPath); err != nil {
			return nil, fmt.Errorf("load config %s: %w", m.configPath, err)
		}
	}

	set := m.viper.IsSet
	if set("log-level") {
		c.Logging.Level = m.logLevel
	}
	if set("http-bind-address") {
		c.BindAddress = m.httpBindAddress
	}
	if set("bolt-path") {
		c.Bolt.Path = m.boltPath
	}
	if set("node-id") {
		c.Raft.ID = uint64(m.nodeID)
	}
	if set("peers") {
		peers, err := parsePeers(m.peers)
		if err != nil {
			return nil, err
		}
		c.Raft.Peers = peers
	}
	if set("compaction-disabled") {
		c.Compaction.Enabled = !m.compactionDisabled
	}
	if set("verify-interval") {
		c.Verifier.Interval = m.verifyInterval
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parsePeers(a []string) ([]raft.PeerConfig, error) {
	peers := make([]raft.PeerConfig, 0, len(a))
	for _, s := range a {
		id, u, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("peer %q: expected id=url", s)
		}
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", s, err)
		}
		peers = append(peers, raft.PeerConfig{ID: n, URL: u})
	}
	return peers, nil
}

func (m *Launcher) run(ctx context.Context) (err error) {
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)

	if m.config, err = m.loadConfig(); err != nil {
		return err
	}
	c := m.config

	if m.logger, err = c.Logging.New(m.Stdout); err != nil {
		return err
	}
	m.logger.Info("Welcome to the agency",
		zap.String("version", buildInfo.Version),
		zap.String("commit", buildInfo.Commit),
		zap.String("build_date", buildInfo.Date),
		zap.Uint64("node_id", c.Raft.ID),
	)
	m.reg = prom.NewRegistry(m.logger.With(zap.String("service", "prom_registry")))

	if err := os.MkdirAll(filepath.Dir(c.Bolt.Path), 0700); err != nil {
		return err
	}
	m.store = bolt.NewLogStore(c.Bolt)
	m.store.WithLogger(m.logger)
	if err := m.store.Open(ctx); err != nil {
		m.logger.Error("Failed opening bolt", zap.Error(err))
		return err
	}

	client := &nethttp.Client{Timeout: time.Duration(c.Raft.RPCTimeout)}
	mux := raft.NewTransportMux()
	mux.Handle("http", &raft.HTTPTransport{Client: client})
	mux.Handle("https", &raft.HTTPTransport{Client: client})

	if m.node, err = raft.NewNode(c.Raft, m.store, mux); err != nil {
		return err
	}
	m.node.WithLogger(m.logger)

	m.compactor = compaction.NewManager(c.Compaction, m.node)
	m.compactor.WithLogger(m.logger)

	// The trees subscribe to the applier before the node replays its log.
	if m.shard, err = openClientShard(ctx, c.RevTree, m.store.TreeStore(), m.node, m.logger); err != nil {
		return err
	}
	if err := m.node.Open(ctx); err != nil {
		m.logger.Error("Failed opening consensus node", zap.Error(err))
		return err
	}
	m.nodeOpen = true

	m.monitor = verifier.NewMonitor(c.Verifier)
	m.monitor.WithLogger(m.logger)
	if err := m.monitor.AddShard(m.shard.Shard(m.node, m.compactor)); err != nil {
		return err
	}

	raftHandler := raft.NewHTTPHandler(m.logger.With(zap.String("handler", "raft")), m.node)
	revtreeHandler := verifier.NewHTTPHandler(m.logger.With(zap.String("handler", "revtree")), m.monitor)

	m.reg.MustRegisterServices(
		m.store,
		m.node,
		m.compactor,
		m.shard.live,
		m.shard.replay,
		m.monitor,
		raftHandler,
		revtreeHandler,
	)

	m.wg.Add(2)
	go func(logger *zap.Logger) {
		defer m.wg.Done()
		logger = logger.With(zap.String("service", "compaction"))
		if err := m.compactor.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("Compaction stopped", zap.Error(err))
		}
	}(m.logger)
	go func(logger *zap.Logger) {
		defer m.wg.Done()
		logger = logger.With(zap.String("service", "verifier"))
		if err := m.monitor.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("Consistency monitor stopped", zap.Error(err))
		}
	}(m.logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer, kithttp.Logging(m.logger.With(zap.String("service", "http"))))
	r.Mount("/raft", raftHandler)
	r.Mount("/api/v1/revtree", revtreeHandler)
	r.Handle("/metrics", m.reg.HTTPHandler())
	r.Get("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
	})

	ln, err := net.Listen("tcp", c.BindAddress)
	if err != nil {
		m.logger.Error("Failed to set up TCP listener", zap.String("addr", c.BindAddress), zap.Error(err))
		return err
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		m.httpPort = addr.Port
	}
	m.httpServer = &nethttp.Server{Handler: r}

	m.wg.Add(1)
	go func(logger *zap.Logger) {
		defer m.wg.Done()
		logger = logger.With(zap.String("service", "http"))
		logger.Info("Listening", zap.String("transport", "http"), zap.String("addr", ln.Addr().String()), zap.Int("port", m.httpPort))
		if err := m.httpServer.Serve(ln); err != nethttp.ErrServerClosed {
			logger.Error("Failed http service", zap.Error(err))
		}
		logger.Info("Stopping")
	}(m.logger)

	return nil
}

// Shutdown stops the HTTP server and the background services, saves the
// live revision tree and closes the node and its store.
func (m *Launcher) Shutdown(ctx context.Context) error {
	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	var err error
	if m.httpServer != nil {
		m.logger.Info("Stopping", zap.String("service", "http"))
		err = multierr.Append(err, m.httpServer.Shutdown(ctx))
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.shard != nil && m.store != nil {
		if serr := m.shard.live.Save(ctx, m.store.TreeStore()); serr != nil {
			m.logger.Warn("Failed to save revision tree", zap.Error(serr))
		}
	}
	if m.nodeOpen {
		m.logger.Info("Stopping", zap.String("service", "raft"))
		err = multierr.Append(err, m.node.Close())
	} else if m.store != nil {
		err = multierr.Append(err, m.store.Close())
	}
	if m.shard != nil {
		err = multierr.Append(err, m.shard.Close())
	}

	if m.logger != nil {
		_ = m.logger.Sync()
	}
	return err
}

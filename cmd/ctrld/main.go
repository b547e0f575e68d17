package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/godbus/dbus/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/fieldlink/ctrld/internal/auth"
	"github.com/fieldlink/ctrld/internal/config"
	mw "github.com/fieldlink/ctrld/internal/http/middleware"
	"github.com/fieldlink/ctrld/internal/infrastructure/netifmon"
	"github.com/fieldlink/ctrld/internal/infrastructure/processmgr"
	"github.com/fieldlink/ctrld/internal/infrastructure/wifimgr"
	"github.com/fieldlink/ctrld/internal/pipelines"
	"github.com/fieldlink/ctrld/internal/router"
	"github.com/fieldlink/ctrld/internal/sshctl"
	"github.com/fieldlink/ctrld/internal/store"
	"github.com/fieldlink/ctrld/internal/streaming"
	"github.com/fieldlink/ctrld/internal/tunnel"
	"github.com/fieldlink/ctrld/internal/update"
	"github.com/fieldlink/ctrld/internal/wshub"
	"github.com/fieldlink/ctrld/pkg/fmtt"
)

// Config is the daemon's own bootstrap document, distinct from the
// setup/config documents C1 owns: it names the files C1 loads and the
// address this process listens on.
type Config struct {
	ListenAddr string `yaml:"listen_address"`
	SetupFile  string `yaml:"setup_file"`
	ConfigFile string `yaml:"config_file"`
	TokensFile string `yaml:"tokens_file"`
	RemoteURL  string `yaml:"remote_url"`
	RedisAddr  string `yaml:"redis_address"`
	PublicDir  string `yaml:"public_dir"`
}

var bootConfig *Config

func init() {
	handleVersion()
}

func main() {
	isDev := os.Getenv("ENV") == "dev"

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	st, err := store.Open(log, bootConfig.SetupFile, bootConfig.ConfigFile, bootConfig.TokensFile)
	if err != nil {
		fmtt.PrintErrChain(err)
		log.Fatal("open store failed", zap.Error(err))
	}
	su := st.Setup()

	if err := requireExecutable(su.EncoderPath); err != nil {
		log.Error("encoder executable missing at startup", zap.String("path", su.EncoderPath), zap.Error(err))
		os.Exit(1)
	}
	if err := requireExecutable(su.BonderPath); err != nil {
		log.Error("bonder executable missing at startup", zap.String("path", su.BonderPath), zap.Error(err))
		os.Exit(1)
	}

	rdb := buildRedisClient(bootConfig.RedisAddr, 0)

	logSink := processmgr.NewRedisLogSink(log, rdb)
	runner := processmgr.NewProcessManager(log, logSink)

	netif := netifmon.New(log)
	wifi := wifimgr.New(log)
	cat := pipelines.New(log, su.PipelineRoot, su.Platform)
	sup := streaming.New(log, su, runner, st, netif, cat)
	authMgr := auth.New(log, st)

	var sshCtl *sshctl.Controller
	if su.SSHUsername != "" {
		dbusConn, err := dbus.ConnectSystemBus()
		if err != nil {
			log.Warn("system dbus connection failed; ssh control running without systemd integration", zap.Error(err))
		}
		sshCtl = sshctl.New(log, su.SSHUsername, st, dbusConn)
	}

	// hub, tunnel and router form a three-way construction cycle; wire the
	// last two edges in after all three exist.
	hub := wshub.New(log, nil)
	tun := tunnel.New(log, bootConfig.RemoteURL, netif, nil, hub)
	hub.SetRemote(tun)

	upd := update.New(log, su.UpgradesEnabled, su.RestartOnUpgrade, hub, sup, rdb, func(code int) { os.Exit(code) })

	r := router.New(router.Deps{
		Log:       log,
		Store:     st,
		LogSink:   logSink,
		Netif:     netif,
		Wifi:      wifi,
		Pipelines: cat,
		Streaming: sup,
		Auth:      authMgr,
		Hub:       hub,
		Tunnel:    tun,
		Update:    upd,
		SSH:       sshCtl,
	})
	tun.SetDispatcher(r)

	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(mw.RequestID())

	if isDev { // local frontend dev server
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173", "http://localhost:4173", "http://localhost:3000", "http://127.0.0.1:3000"},
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"X-Request-ID", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	} else { // behind a reverse proxy terminating TLS
		engine.SetTrustedProxies([]string{"127.0.0.1"})
		engine.Use(secure.New(secure.Config{
			SSLProxyHeaders: map[string]string{"X-Forwarded-Proto": "https"},
		}))
	}

	engine.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	engine.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    config.Version,
			"git_commit": config.GitCommit,
			"build_date": config.BuildDate,
		})
	})
	engine.GET("/ws", func(c *gin.Context) {
		if err := hub.Serve(c.Writer, c.Request, r.OnConnect, r.OnMessage, r.OnClose); err != nil {
			log.Debug("hub serve ended", zap.Error(err))
		}
	})

	if bootConfig.PublicDir != "" {
		if info, err := os.Stat(bootConfig.PublicDir); err == nil && info.IsDir() {
			engine.Static("/", bootConfig.PublicDir)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.Start(ctx)

	httpsrv := &http.Server{
		Addr:              bootConfig.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpsrv.Shutdown(shutdownCtx)
	}()

	log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
	if err := httpsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.Parse()

	if *v {
		fmt.Printf("ctrld %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}

func buildRedisClient(addr string, db int) *redis.Client {
	opts := &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	}
	return redis.NewClient(opts)
}

// requireExecutable fails startup the same way a missing belacoder/srtla_send
// binary would fail every subsequent supervised spawn, just earlier.
func requireExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not an executable", path)
	}
	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func loadConfig() error {
	data, err := os.ReadFile("ctrld.yaml")
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, &bootConfig)
}

// Command aimmd is the model manager's supervisor process. Invoked
// normally, it loads configuration, wires a backend/engine/controls
// together via internal/aimm/runner, and serves until SIGINT/SIGTERM.
// Invoked with the hidden workerExecFlag, it is instead one single worker
// child (internal/aimm/worker.Main) and never reaches the supervisor path
// at all — this is the re-exec trick internal/aimm/workerpool relies on to
// spawn isolated children from the same binary.
//
// Startup is flag-based with SIGINT/SIGTERM graceful shutdown on a bounded
// timeout; the session control gets its own mux.Router alongside the
// gin-based admin surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hat-open/aimm/internal/aimm/admin"
	"github.com/hat-open/aimm/internal/aimm/backend"
	"github.com/hat-open/aimm/internal/aimm/backend/eventbusbackend"
	"github.com/hat-open/aimm/internal/aimm/backend/jsonfilebackend"
	"github.com/hat-open/aimm/internal/aimm/backend/memorybackend"
	"github.com/hat-open/aimm/internal/aimm/backend/sqlbackend"
	aimmconfig "github.com/hat-open/aimm/internal/aimm/config"
	"github.com/hat-open/aimm/internal/aimm/control"
	ebcontrol "github.com/hat-open/aimm/internal/aimm/control/eventbus"
	"github.com/hat-open/aimm/internal/aimm/control/session"
	"github.com/hat-open/aimm/internal/aimm/engine"
	"github.com/hat-open/aimm/internal/aimm/model"
	"github.com/hat-open/aimm/internal/aimm/plugins/statsmodel"
	"github.com/hat-open/aimm/internal/aimm/registry"
	"github.com/hat-open/aimm/internal/aimm/runner"
	"github.com/hat-open/aimm/internal/aimm/worker"
	"github.com/hat-open/aimm/pkg/logger"
)

// workerExecFlag is the hidden subcommand the worker pool re-execs this
// same binary with. It must never appear in --help output or documented
// CLI usage: it is an internal process-boundary detail, not a user-facing
// mode.
const workerExecFlag = "--aimm-worker-exec"

func main() {
	if len(os.Args) > 1 && os.Args[1] == workerExecFlag {
		runWorker()
		return
	}
	runSupervisor()
}

// runWorker registers every builtin plugin this binary ships with and
// hands off to the generic worker entry point. It must register exactly
// the same (kind, key) set the supervisor's Registry was populated with,
// or a call the supervisor considers builtin will fail to resolve here.
func runWorker() {
	worker.RegisterBuiltins()
	statsmodel.RegisterBuiltins()
	worker.Main()
}

func runSupervisor() {
	confPath := flag.String("conf", "", "path to aimmd's YAML configuration file")
	flag.Parse()

	conf, err := aimmconfig.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aimmd: load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(conf.Logging)

	reg := registry.New()
	if err := registerPlugins(reg); err != nil {
		log.Fatalf("aimmd: register plugins: %v", err)
	}

	promReg := prometheus.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, beSub, err := openBackend(ctx, conf)
	if err != nil {
		log.Fatalf("aimmd: open backend: %v", err)
	}

	var sessionRouter *mux.Router
	var sessionSrv *http.Server
	opts := []runner.Option{
		runner.WithLogger(log),
		runner.WithBackend(be, beSub),
		runner.WithEngineConfig(conf.ToEngineConfig(os.Args[0], workerExecFlag)),
	}

	if conf.EventBus.Enabled {
		if conf.Backend.RedisAddr == "" {
			log.Fatalf("aimmd: eventbus control requires backend.redis_addr")
		}
		opts = append(opts, runner.WithControl("eventbus",
			runner.Subscription{Name: "eventbus", Prefixes: []string{conf.EventBus.Prefix}},
			func(eng *engine.Engine) (control.Control, error) {
				client := redis.NewClient(&redis.Options{Addr: conf.Backend.RedisAddr, DB: conf.Backend.RedisDB})
				prefix := ebcontrol.Prefixes{
					CreateInstance:       conf.EventBus.Prefix + "/create_instance",
					AddInstance:          conf.EventBus.Prefix + "/add_instance",
					UpdateInstance:       conf.EventBus.Prefix + "/update_instance",
					Fit:                  conf.EventBus.Prefix + "/fit",
					Predict:              conf.EventBus.Prefix + "/predict",
					Cancel:               conf.EventBus.Prefix + "/cancel",
					StateEventType:       conf.EventBus.Prefix + "/state",
					ActionStateEventType: conf.EventBus.Prefix + "/action_state",
				}
				return ebcontrol.Open(ctx, eng, client, prefix, log), nil
			}))
	}

	if conf.Session.Enabled {
		sessionRouter = mux.NewRouter()
		creds := make([]session.Credentials, 0, len(conf.Session.Creds))
		for _, c := range conf.Session.Creds {
			creds = append(creds, session.Credentials{Username: c.Username, PasswordHash: c.PasswordHash})
		}
		opts = append(opts, runner.WithControl("session",
			runner.Subscription{}, // session drives itself off websocket connections
			func(eng *engine.Engine) (control.Control, error) {
				return session.Mount(eng, session.Config{
					Path:       conf.Session.Path,
					JWTSecret:  []byte(conf.Session.JWTSecret),
					TokenTTL:   conf.Session.TokenTTL,
					Creds:      creds,
					LoginRate:  rate.Limit(conf.Session.LoginRatePerSecond),
					LoginBurst: conf.Session.LoginBurst,
				}, sessionRouter, log), nil
			}))
	}

	run, err := runner.New(ctx, reg, promReg, opts...)
	if err != nil {
		log.Fatalf("aimmd: start runner: %v", err)
	}
	defer run.Close()

	gcCron, err := run.Engine().StartActionGC(conf.GC.Schedule, conf.GC.GracePeriod)
	if err != nil {
		log.Fatalf("aimmd: start action gc: %v", err)
	}
	defer gcCron.Stop()

	adminSrv := admin.New(run.Engine(), admin.Config{Addr: conf.Server.AdminAddr}, log)
	go func() {
		if err := adminSrv.Start(ctx); err != nil {
			log.Errorf("aimmd: admin server: %v", err)
		}
	}()

	if sessionRouter != nil {
		sessionSrv = &http.Server{
			Addr:              sessionAddr(conf),
			Handler:           sessionRouter,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("aimmd: session control listening on %s%s", sessionSrv.Addr, conf.Session.Path)
			if err := sessionSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("aimmd: session server: %v", err)
			}
		}()
	}

	log.Infof("aimmd: admin surface listening on %s", conf.Server.AdminAddr)
	<-ctx.Done()
	log.Infof("aimmd: shutting down")

	if sessionSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sessionSrv.Shutdown(shutdownCtx)
		cancel()
	}
	_ = adminSrv.Close()
}

// sessionAddr shares the admin surface's host but listens one port up, so
// a single AIMM_ADMIN_ADDR override moves both consistently.
func sessionAddr(conf *aimmconfig.Config) string {
	host, portStr, err := net.SplitHostPort(conf.Server.AdminAddr)
	if err != nil {
		return ":8081"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ":8081"
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1))
}

// registerPlugins binds every builtin plugin into the supervisor's
// Registry. It must mirror runWorker's registrations exactly: the engine
// decides "builtin vs script" per (kind, key) from this Registry, then
// assumes the worker child can resolve the same (kind, key) from its own
// compiled-in table.
func registerPlugins(reg *registry.Registry) error {
	if err := reg.Register(registry.KindDataAccess, "jsonpath", model.PluginDescriptor{
		Kind: registry.KindDataAccess, Key: "jsonpath",
	}, registry.JSONPathDataAccess()); err != nil {
		return err
	}
	return statsmodel.Register(reg)
}

// openBackend selects and opens the configured backend, plus the event
// subscription (if any) the runner should route to it.
func openBackend(ctx context.Context, conf *aimmconfig.Config) (backend.Backend, runner.Subscription, error) {
	switch conf.Backend.Kind {
	case "memory":
		return memorybackend.New(), runner.Subscription{}, nil
	case "sql":
		be, err := sqlbackend.Open(ctx, conf.Backend.SQLDSN)
		return be, runner.Subscription{}, err
	case "eventbus":
		be, err := eventbusbackend.Open(ctx, &redis.Options{Addr: conf.Backend.RedisAddr, DB: conf.Backend.RedisDB}, conf.Backend.RedisModelPrefix)
		return be, runner.Subscription{}, err
	case "jsonfile":
		be, err := jsonfilebackend.Open(conf.Backend.JSONFilePath)
		return be, runner.Subscription{}, err
	default:
		return nil, runner.Subscription{}, fmt.Errorf("aimm: unknown backend kind %q", conf.Backend.Kind)
	}
}

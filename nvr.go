// SPDX-License-Identifier: GPL-2.0-or-later

package nvr

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/monitor"
	"github.com/andrew-shulgin/nvr/pkg/storage"
	"github.com/andrew-shulgin/nvr/pkg/video/rtspclient"
	"github.com/andrew-shulgin/nvr/pkg/web"
	"github.com/andrew-shulgin/nvr/pkg/web/auth"
)

// Run .
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg, hooks)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.Logger.Start(ctx)
	go app.Logger.LogToStdout(ctx)

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.Logger.Error().Src("app").Msgf("fatal error: %v", err)
	case signal := <-stop:
		app.Logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	// Recorders finalize their segments before the library is released.
	app.Monitors.StopMonitors()
	app.Logger.Info().Src("app").Msg("monitors stopped")
	rtspclient.Shutdown()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	shutdownErr := app.server.Shutdown(ctx2)

	cancel()
	wg.Wait()

	if err != nil {
		return err
	}
	return shutdownErr
}

func newApp(envPath string, wg *sync.WaitGroup, hooks *hookList) (*App, error) {
	// Environment config.
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("get environment config: %w", err)
	}

	// Logs.
	logger := log.NewLogger(wg, hooks.logSource)
	logDB := log.NewDB(filepath.Join(env.StorageDir, "logs.db"), wg)

	// Monitors.
	monitorManager, err := monitor.NewManager(
		env.CamerasDir(),
		*env,
		logger,
		hooks.monitor(),
	)
	if err != nil {
		return nil, fmt.Errorf("create monitor manager: %w", err)
	}

	// Authentication.
	if hooks.newAuthenticator == nil {
		return nil, fmt.Errorf( //nolint:goerr113
			"no authentication addon enabled, please import one in the main package")
	}
	a, err := hooks.newAuthenticator(*env, logger)
	if err != nil {
		return nil, fmt.Errorf("create authenticator: %w", err)
	}

	// Storage.
	storageManager := storage.NewManager(*env)
	crawler := storage.NewCrawler(os.DirFS(storageManager.RecordingsDir()))

	// Routes.
	mux := http.NewServeMux()

	mux.Handle("/api/users", a.Admin(web.Users(a)))
	mux.Handle("/api/user/set", a.Admin(a.CSRF(web.UserSet(a))))
	mux.Handle("/api/user/delete", a.Admin(a.CSRF(web.UserDelete(a))))
	mux.Handle("/api/user/my-token", a.Admin(a.MyToken()))

	mux.Handle("/api/camera/list", a.User(web.CameraList(monitorManager.MonitorsInfo)))
	mux.Handle("/api/camera/configs", a.Admin(web.CameraConfigs(monitorManager)))
	mux.Handle("/api/camera/restart", a.Admin(a.CSRF(web.CameraRestart(monitorManager))))
	mux.Handle("/api/camera/set", a.Admin(a.CSRF(web.CameraSet(monitorManager))))
	mux.Handle("/api/camera/delete", a.Admin(a.CSRF(web.CameraDelete(monitorManager))))

	mux.Handle("/api/recording/video/", a.User(web.RecordingVideo(storageManager.RecordingsDir())))
	mux.Handle("/api/recording/query", a.User(web.RecordingQuery(crawler, logger)))

	mux.Handle("/api/log/feed", a.Admin(web.LogFeed(logger, a)))
	mux.Handle("/api/log/query", a.Admin(web.LogQuery(logDB)))
	mux.Handle("/api/log/sources", a.Admin(web.LogSources(logger)))

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(env.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		WG:       wg,
		Logger:   logger,
		logDB:    logDB,
		Env:      *env,
		Monitors: monitorManager,
		Auth:     a,
		Storage:  storageManager,
		Mux:      mux,
		server:   server,
	}, nil
}

// App is the main application struct.
type App struct {
	WG       *sync.WaitGroup
	Logger   *log.Logger
	logDB    *log.DB
	Env      storage.ConfigEnv
	Monitors *monitor.Manager
	Auth     auth.Authenticator
	Storage  *storage.Manager
	Mux      *http.ServeMux
	server   *http.Server
}

func (app *App) run(ctx context.Context) error {
	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("prepare environment: %w", err)
	}

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
	}

	rtspclient.Init(app.Logger)

	if err := hooks.appRun(ctx, app); err != nil {
		return err
	}

	app.Logger.Info().Src("app").Msg("starting monitors")
	app.Monitors.StartMonitors()

	app.Logger.Info().Src("app").Msgf("serving app on port %v", app.Env.Port)
	err := app.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

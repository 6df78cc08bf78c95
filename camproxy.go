// SPDX-License-Identifier: GPL-2.0-or-later

// Package camproxy wires the application together: driver, transcode
// pipeline, WebSocket broker and HTTP surface.
package camproxy

import (
	"context"
	"encoding/json"
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

	"camproxy/pkg/broker"
	"camproxy/pkg/config"
	"camproxy/pkg/driver"
	"camproxy/pkg/ffmpeg"
	"camproxy/pkg/log"
	"camproxy/pkg/snapshot"
	"camproxy/pkg/storage"
	"camproxy/pkg/stream"
	"camproxy/pkg/system"
	"camproxy/pkg/web"

	"golang.org/x/sync/errgroup"
)

// ServerVersion is reported in the API version frame.
const ServerVersion = "1.0.0"

// SchemaVersion is the API schema version reported to clients.
const SchemaVersion = "13"

// NewDriverFunc creates the cloud driver. The concrete driver is
// linked at build time, tests use the fake in drivertest.
type NewDriverFunc func(env storage.ConfigEnv, logger *log.Logger) (driver.Driver, error)

var newDriver NewDriverFunc

// RegisterDriver registers the cloud driver constructor.
// Must be called before Run.
func RegisterDriver(f NewDriverFunc) {
	newDriver = f
}

// Run starts the proxy and blocks until a signal or a fatal error.
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.logger.Log(log.Entry{
			Level: log.LevelError,
			Src:   "app",
			Msg:   fmt.Sprintf("fatal error: %v", err),
		})
	case signal := <-stop:
		app.logger.Log(log.Entry{
			Level: log.LevelInfo,
			Src:   "app",
			Msg:   fmt.Sprintf("received %v, stopping", signal),
		})
		err = nil
	}

	cancel()
	wg.Wait()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	if err != nil {
		return err
	}
	return app.server.Shutdown(ctx2)
}

// App is the main application struct.
type App struct {
	wg     *sync.WaitGroup
	logger *log.Logger
	logDB  *log.DB
	env    storage.ConfigEnv
	cfg    *config.Store

	drv      driver.Driver
	session  *stream.Session
	ingress  *stream.Ingress
	snapshot *snapshot.Writer
	broker   *broker.Broker

	mux    *http.ServeMux
	server *http.Server
}

func newApp(envPath string, wg *sync.WaitGroup) (*App, error) { //nolint:funlen
	if newDriver == nil {
		return nil, errors.New("no cloud driver registered, link one in cmd/camproxy")
	}

	// Environment config.
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("environment config: %w", err)
	}

	if err := env.PrepareEnvironment(); err != nil {
		return nil, fmt.Errorf("prepare environment: %w", err)
	}

	// Logs.
	logger := log.NewLogger(wg, []string{"app", "stream", "snapshot", "api", "web"})
	logDB := log.NewDB(env.LogDBPath(), wg)

	// Runtime config.
	cfg, err := config.NewStore(env.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("runtime config: %w", err)
	}

	// Cloud driver.
	drv, err := newDriver(*env, logger)
	if err != nil {
		return nil, fmt.Errorf("create driver: %w", err)
	}

	// API broker.
	apiBroker := broker.NewBroker(logger, ServerVersion, SchemaVersion)

	// Snapshot writer.
	snapshotWriter, err := snapshot.NewWriter(
		logger,
		env.FFmpegBin,
		env.SnapshotsDir(),
		env.PictureHashesPath(),
		ffmpeg.NewProcess,
		apiBroker.Publish,
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot writer: %w", err)
	}

	// Streaming pipeline.
	session := stream.NewSession(
		logger,
		env.FFmpegBin,
		cfg,
		drv,
		ffmpeg.NewProcess,
		snapshotWriter.Write,
	)
	ingress := stream.NewIngress(session)
	drv.SetFrameHandler(ingress)

	app := &App{
		wg:       wg,
		logger:   logger,
		logDB:    logDB,
		env:      *env,
		cfg:      cfg,
		drv:      drv,
		session:  session,
		ingress:  ingress,
		snapshot: snapshotWriter,
		broker:   apiBroker,
	}
	app.registerCommands()

	// Routes.
	mux := http.NewServeMux()

	mux.Handle("/", web.Root(
		web.Stream(session, logger, web.InitTimeout),
		web.Static(env.WebDir),
	))
	mux.Handle("/config", app.configHandler())
	mux.Handle("/health", web.Health(session, drv, cfg))
	mux.Handle("/api", apiBroker.Handler())
	mux.Handle("/api/log/query", web.LogQuery(logDB))

	app.mux = mux
	return app, nil
}

// configHandler dispatches GET and POST on /config.
func (app *App) configHandler() http.Handler {
	get := web.GetConfig(app.cfg)
	set := web.SetConfig(app.cfg, app.onTranscodingChange, app.onDriverChange)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			get.ServeHTTP(w, r)
		case http.MethodPost:
			set.ServeHTTP(w, r)
		default:
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
		}
	})
}

func (app *App) onTranscodingChange() {
	app.logf(log.LevelInfo, "config: transcoding settings changed, restarting encoder")
	app.session.RestartEncoder()
}

func (app *App) onDriverChange() {
	app.logf(log.LevelInfo, "config: account settings changed, reconnecting driver")
	if err := app.drv.Disconnect(); err != nil {
		app.logf(log.LevelDebug, "driver disconnect: %v", err)
	}
	if err := app.connectDriver(context.Background()); err != nil {
		app.logf(log.LevelError, "driver reconnect: %v", err)
	}
}

func (app *App) connectDriver(ctx context.Context) error {
	return app.drv.Connect(ctx, driver.Account{
		Username:      app.cfg.Username(),
		Password:      app.cfg.Password(),
		Country:       app.cfg.Country(),
		Language:      app.cfg.Language(),
		PersistentDir: app.env.DriverDir(),
	})
}

func (app *App) logf(level log.Level, format string, a ...interface{}) {
	app.logger.Log(log.Entry{
		Level: level,
		Src:   "app",
		Msg:   fmt.Sprintf(format, a...),
	})
}

func (app *App) run(ctx context.Context) error {
	address := ":" + strconv.Itoa(app.env.Port)
	app.server = &http.Server{Addr: address, Handler: app.mux}

	app.logger.Start(ctx)
	app.logger.LogToStdout(ctx)

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if the log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.logf(log.LevelError, "could not initialize log database: %v", err)
	} else {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.logDB.SaveLogs(ctx, app.logger)
		}()
	}

	app.logf(log.LevelInfo, "starting..")

	app.session.Start(ctx, app.wg)

	if err := app.connectDriver(ctx); err != nil {
		app.logf(log.LevelError, "driver connect: %v", err)
	}

	// Forward driver events to API peers.
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		app.pumpDriverEvents(ctx)
	}()

	// System status events.
	sys := system.NewMonitor(app.logger, app.broker.Publish)
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		sys.StatusLoop(ctx)
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app.logf(log.LevelInfo, "serving on port %v", app.env.Port)
		return app.server.ListenAndServe()
	})
	g.Go(func() error {
		<-ctx.Done()
		app.broker.Close()
		app.drv.Disconnect() //nolint:errcheck
		app.server.Close()
		return nil
	})
	return g.Wait()
}

// pumpDriverEvents broadcasts driver events. The event surface is
// broad, everything is forwarded as JSON with no per-event handling.
func (app *App) pumpDriverEvents(ctx context.Context) {
	feed, cancel := app.drv.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-feed:
			if !open {
				return
			}
			payload := map[string]interface{}{
				"event": event.Type,
			}
			if event.Serial != "" {
				payload["serialNumber"] = event.Serial
			}
			for key, value := range event.Payload {
				payload[key] = value
			}
			app.broker.Publish(payload)
		}
	}
}

// serialFromPayload extracts the serial number from a command payload.
func serialFromPayload(payload json.RawMessage) (string, error) {
	var body struct {
		SerialNumber string `json:"serialNumber"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "", err
	}
	if body.SerialNumber == "" {
		return "", errors.New("serialNumber is required")
	}
	return body.SerialNumber, nil
}

// registerCommands wires the API command set.
func (app *App) registerCommands() { //nolint:funlen
	b := app.broker

	b.Handle("start_listening", func(context.Context, json.RawMessage) (interface{}, error) {
		if !app.drv.Connected() {
			return nil, errors.New("driver_not_connected")
		}
		return map[string]interface{}{
			"state": map[string]interface{}{
				"client":   map[string]string{"version": ServerVersion},
				"stations": app.drv.Stations(),
				"devices":  app.drv.Devices(),
			},
		}, nil
	})

	b.Handle("station.get_properties", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		serial, err := serialFromPayload(payload)
		if err != nil {
			return nil, err
		}
		properties, err := app.drv.StationProperties(serial)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"properties": properties}, nil
	})

	b.Handle("device.get_properties", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		serial, err := serialFromPayload(payload)
		if err != nil {
			return nil, err
		}
		properties, err := app.drv.DeviceProperties(serial)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"properties": properties}, nil
	})

	b.Handle("device.get_commands", func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		serial, err := serialFromPayload(payload)
		if err != nil {
			return nil, err
		}
		commands, err := app.drv.DeviceCommands(serial)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"commands": commands}, nil
	})

	// Async commands acknowledge immediately, the payload arrives
	// later as an event.
	b.Handle("station.download_image", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		serial, err := serialFromPayload(payload)
		if err != nil {
			return nil, err
		}
		if err := app.drv.DownloadImage(ctx, serial); err != nil {
			return nil, err
		}
		return map[string]interface{}{"async": true}, nil
	})

	b.Handle("station.database_query_latest_info", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		serial, err := serialFromPayload(payload)
		if err != nil {
			return nil, err
		}
		if err := app.drv.QueryLatestInfo(ctx, serial); err != nil {
			return nil, err
		}
		return map[string]interface{}{"async": true}, nil
	})

	b.Handle("device.preset_position", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var body struct {
			SerialNumber string `json:"serialNumber"`
			Position     int    `json:"position"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, err
		}
		if body.SerialNumber == "" {
			return nil, errors.New("serialNumber is required")
		}
		if err := app.drv.PresetPosition(ctx, body.SerialNumber, body.Position); err != nil {
			return nil, err
		}
		return map[string]interface{}{"async": true}, nil
	})

	b.Handle("device.pan_and_tilt", func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var body struct {
			SerialNumber string `json:"serialNumber"`
			Direction    int    `json:"direction"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return nil, err
		}
		if body.SerialNumber == "" {
			return nil, errors.New("serialNumber is required")
		}
		if err := app.drv.PanAndTilt(ctx, body.SerialNumber, body.Direction); err != nil {
			return nil, err
		}
		return map[string]interface{}{"async": true}, nil
	})
}

package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelmedia/crossbar/client"
	"github.com/kestrelmedia/crossbar/internal/env"
	"github.com/kestrelmedia/crossbar/server"
	"github.com/kestrelmedia/crossbar/settings"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The protocol to simulate, or "all"
	protocol string

	// Engine port; 0 picks the protocol default
	port int

	inputs  int
	outputs int
	levels  int

	friendlyName string

	// Controller target; defaults come from the persisted settings
	controllerHost string
	controllerPort int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.StringVarP(&protocol, "protocol", "P", "videohub", "Protocol to simulate (videohub, swp08, gvnative, all)")
	flags.IntVarP(&port, "port", "p", 0, "The port to listen for router clients on (0 = protocol default)")
	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.IntVar(&inputs, "inputs", 12, "Number of router inputs")
	flags.IntVar(&outputs, "outputs", 12, "Number of router outputs")
	flags.IntVar(&levels, "levels", 1, "Number of routing levels (VideoHub always uses 1)")
	flags.StringVar(&friendlyName, "name", "", "Friendly device name")
	flags.StringVar(&controllerHost, "controller-host", "", "Router to connect the controller side to")
	flags.IntVar(&controllerPort, "controller-port", 0, "Port of the router to control (0 = protocol default)")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up router simulator engines",
	Long: `Start up router simulator engines

Usage
	crossbar start --protocol videohub

Flags left at their defaults are filled from the persisted settings blob
(CROSSBAR_SETTINGS, crossbar.json by default), so a restart comes back
with the dimensions, ports, and controller target last used. Editing the
blob while running re-applies names and dimensions live.

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := makeLogger(conf)
		if err != nil {
			return err
		}

		persisted, err := settings.Load(conf.SettingsPath)
		if err != nil {
			log.Warn("Failed to load settings, using defaults", zap.Error(err))
		}

		applyPersisted(cmd, persisted)

		protocols := []string{protocol}
		if protocol == "all" {
			protocols = server.Protocols()
		}

		// auto_start=false means the last session ran controller-only;
		// an explicit --protocol or --port overrides the remembered
		// choice.
		runEngines := persisted.AutoStart ||
			cmd.Flags().Changed("protocol") || cmd.Flags().Changed("port")

		var (
			engines    []server.Engine
			engineCfgs []server.Config
		)

		if runEngines {
			for _, name := range protocols {
				cfg := server.Config{
					Protocol:     name,
					Host:         host,
					Port:         port,
					Inputs:       inputs,
					Outputs:      outputs,
					Levels:       levels,
					ModelName:    persisted.ModelName,
					FriendlyName: friendlyName,
				}

				// A shared explicit port only makes sense for one engine.
				if protocol == "all" {
					cfg.Port = 0
				}

				engine, err := server.New(cfg, log)
				if err != nil {
					return err
				}

				engines = append(engines, engine)
				engineCfgs = append(engineCfgs, cfg)
			}
		} else {
			log.Info("Engines disabled by auto_start, running controller only")
		}

		group, groupCtx := errgroup.WithContext(ctx)

		for i, engine := range engines {
			engine := engine
			name := protocols[i]

			group.Go(func() error {
				boundPort, err := engine.Start(groupCtx)
				if err != nil {
					return err
				}

				log.Info("Engine started",
					zap.String("protocol", name),
					zap.Int("port", boundPort))

				<-groupCtx.Done()

				return engine.Stop()
			})
		}

		controller := startController(ctx, conf.SettingsPath, persisted, log)

		watchSettings(ctx, conf.SettingsPath, engines, engineCfgs, log)

		router := setupRouter(conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/state", func(c *gin.Context) {
			states := make(map[string]interface{}, len(engines)+1)
			for i, engine := range engines {
				states[protocols[i]] = engine.State()
			}

			if controller != nil {
				states["controller_connected"] = controller.IsConnected()
			}

			c.JSON(http.StatusOK, states)
		})

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.String("host", host),
			zap.Strings("protocols", protocols),
			zap.Bool("engines", runEngines),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if controller != nil {
			if err := controller.Disconnect(); err != nil && !errors.Is(err, client.ErrNotConnected) {
				log.Warn("Controller shutdown errored", zap.Error(err))
			}
		}

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Engine shutdown errored", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// applyPersisted fills every flag the user left untouched from the
// persisted blob, so a restart comes back with the last configuration.
func applyPersisted(cmd *cobra.Command, persisted settings.Settings) {
	flags := cmd.Flags()

	if !flags.Changed("protocol") && persisted.Protocol != "" {
		protocol = persisted.Protocol
	}

	// The remembered port only applies to the remembered protocol;
	// otherwise 0 falls through to the protocol default.
	if !flags.Changed("port") && protocol == persisted.Protocol {
		port = persisted.Port
	}

	if !flags.Changed("inputs") && persisted.Inputs > 0 {
		inputs = persisted.Inputs
	}
	if !flags.Changed("outputs") && persisted.Outputs > 0 {
		outputs = persisted.Outputs
	}
	if !flags.Changed("levels") && persisted.Levels > 0 {
		levels = persisted.Levels
	}

	if friendlyName == "" {
		friendlyName = persisted.FriendlyName
	}

	if controllerHost == "" {
		controllerHost = persisted.ControllerHost
	}
	if controllerPort == 0 {
		controllerPort = persisted.ControllerPort
	}
}

// startController connects the controller side to the configured router,
// recording the target in the history once the connection is up. Returns
// nil when no target is configured.
func startController(ctx context.Context, settingsPath string, persisted settings.Settings, log *zap.Logger) client.Client {
	if controllerHost == "" || controllerPort <= 0 {
		return nil
	}

	controllerProtocol := persisted.Protocol
	if protocol != "all" {
		controllerProtocol = protocol
	}

	controller, err := client.New(controllerProtocol, client.Config{
		Host:          controllerHost,
		Port:          controllerPort,
		AutoReconnect: persisted.AutoReconnect,
		Inputs:        inputs,
		Outputs:       outputs,
		Levels:        levels,
	}, log.Named("controller"))
	if err != nil {
		log.Warn("Controller disabled", zap.Error(err))
		return nil
	}

	go func() {
		if err := controller.Connect(ctx); err != nil {
			log.Warn("Controller connect failed",
				zap.String("host", controllerHost),
				zap.Int("port", controllerPort),
				zap.Error(err))
			return
		}

		log.Info("Controller connected",
			zap.String("protocol", controllerProtocol),
			zap.String("host", controllerHost),
			zap.Int("port", controllerPort))

		persisted.ControllerHost = controllerHost
		persisted.ControllerPort = controllerPort
		persisted.Touch(controllerHost, controllerPort, controllerProtocol)

		if err := persisted.Save(settingsPath); err != nil {
			log.Warn("Failed to record router history", zap.Error(err))
		}
	}()

	return controller
}

// watchSettings re-applies name and dimension changes from the blob to
// the running engines. Protocol and port changes need a restart.
func watchSettings(ctx context.Context, path string, engines []server.Engine, engineCfgs []server.Config, log *zap.Logger) {
	updates, err := settings.Watch(ctx, path, log)
	if err != nil {
		log.Warn("Settings watch unavailable", zap.Error(err))
		return
	}

	go func() {
		for updated := range updates {
			for i, engine := range engines {
				cfg := engineCfgs[i]
				cfg.Inputs = updated.Inputs
				cfg.Outputs = updated.Outputs
				cfg.Levels = updated.Levels
				cfg.ModelName = updated.ModelName
				cfg.FriendlyName = updated.FriendlyName

				if cfg == engineCfgs[i] {
					continue
				}

				if err := engine.UpdateConfig(cfg); err != nil {
					log.Warn("Failed to apply settings change",
						zap.String("protocol", cfg.Protocol),
						zap.Error(err))
					continue
				}

				engineCfgs[i] = cfg
			}

			log.Info("Settings reloaded",
				zap.Int("inputs", updated.Inputs),
				zap.Int("outputs", updated.Outputs),
				zap.Int("levels", updated.Levels))

			if updated.Protocol != protocol || updated.Port != port {
				log.Warn("Protocol and port changes take effect on restart")
			}
		}
	}()
}

func makeLogger(conf *env.Config) (*zap.Logger, error) {
	if conf.LogFile != "" {
		return env.MakeFileLogger(conf.LogFile, conf.LogMaxSizeMB, conf.LogMaxBackups), nil
	}

	return env.MakeLogger()
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs to stdout.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.Ginzap(log, time.RFC3339, true))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

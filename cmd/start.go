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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atomscat/softswitch-gateway/client"
	"github.com/atomscat/softswitch-gateway/internal/env"
	"github.com/atomscat/softswitch-gateway/options"
	"github.com/atomscat/softswitch-gateway/protocol"
	"github.com/atomscat/softswitch-gateway/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port FreeSWITCH dials for outbound sessions; 0 disables the
	// acceptor
	outboundPort int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&outboundPort, "outbound-port", "p", 8084, "The port to accept outbound ESL sessions on (0 disables)")
	flags.StringVar(&httpPort, "http-port", "8085", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the softswitch gateway",
	Long: `Start up the softswitch gateway

Usage
	softswitch-gateway start

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		store := options.NewInmemoryStore()
		defer store.Close()

		if conf.ServerHost != "" {
			if err := store.Put(options.ServerOption{
				Host:        conf.ServerHost,
				Port:        conf.ServerPort,
				Password:    conf.ServerPassword,
				EventFilter: conf.EventFilter,
				RoutingKey:  conf.RoutingKey,
				IdleTimeout: 25 * time.Second,
			}); err != nil {
				return err
			}
		}

		handler := &loggingHandler{log: log.Named("esl")}

		esl := client.New(handler, client.Config{Log: log.Named("client")})
		esl.BindStore(store)

		var acceptor *transport.Acceptor
		if outboundPort > 0 {
			acceptor = transport.NewAcceptor(ctx, transport.Options{
				Host:    host,
				Port:    outboundPort,
				Handler: handler,
				Pool:    esl.Pool(),
				Log:     log.Named("transport"),
			})

			go func() {
				if err := acceptor.Listen(); err != nil {
					log.Error("Outbound acceptor errored", zap.Error(err))
				}
			}()
		}

		router := setupRouter(conf.DebugHTTP, log)

		// Ping test
		router.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		router.GET("/servers", func(c *gin.Context) {
			snapshot, err := store.Backup()
			if err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}
			c.Data(http.StatusOK, "application/json", snapshot)
		})

		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

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
			zap.Int("outboundPort", outboundPort),
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

		if acceptor != nil {
			if err := acceptor.Close(); err != nil {
				log.Error("Acceptor forced to shutdown", zap.Error(err))
			}
		}

		if err := esl.CloseAll(); err != nil {
			log.Error("ESL client forced to shutdown", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

// loggingHandler is the default listener: it logs what the switch tells
// us. Real dialplan logic replaces this by embedding it.
type loggingHandler struct {
	log *zap.Logger
}

func (h *loggingHandler) OnConnect(ctx *transport.Context, event *protocol.EslEvent) {
	h.log.Info("Outbound session connected",
		zap.String("remoteAddr", ctx.RemoteAddr()),
		zap.String("channel", event.Header(protocol.HeaderUniqueID)))
}

func (h *loggingHandler) HandleEslEvent(ctx *transport.Context, event *protocol.EslEvent) {
	h.log.Debug("Event",
		zap.String("remoteAddr", ctx.RemoteAddr()),
		zap.String("name", event.Name()))
}

func (h *loggingHandler) HandleDisconnectNotice(remoteAddr string, ctx *transport.Context) {
	h.log.Info("Disconnected", zap.String("remoteAddr", remoteAddr))
}

func setupRouter(debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - Logs through the given zap logger.
	//   - RFC3339 with UTC time format.
	r.Use(ginzap.Ginzap(log, time.RFC3339, true))

	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/health"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	return r
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}

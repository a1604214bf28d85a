package cmd

import (
	"context"
	"errors"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/beacon/client"
	"github.com/luma/beacon/internal/env"
)

var (
	// The host to listen on
	bridgeHost string

	// The port to listen for http requests on
	bridgePort int
)

func init() {
	flags := BridgeCmd.PersistentFlags()

	flags.IntVarP(&bridgePort, "port", "p", 7379, "The port to listen to HTTP requests on")
	flags.StringVarP(&bridgeHost, "host", "a", "0.0.0.0", "The host to listen on")
}

var BridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Expose a Redis server over a small HTTP API",
	Long: `Expose a Redis server over a small HTTP API

Usage
	beacon bridge

Routes
	GET  /ping               liveness, proxied to the server
	GET  /keys/:key          read a key (404 when absent)
	PUT  /keys/:key          write the request body to a key
	POST /publish/:channel   publish the request body to a channel

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

		conn, err := client.Dial(ctx, conf.Addr, client.Options{
			Password: conf.Password,
			Log:      log.Named("client"),
			OnError: func(err error) {
				log.Error("Upstream connection failed", zap.Error(err))
				signalStop()
			},
		})
		if err != nil {
			return err
		}

		router := setupRouter(conf.DebugHTTP, log)
		registerBridgeRoutes(router, conn)

		addr := net.JoinHostPort(bridgeHost, strconv.Itoa(bridgePort))

		listener, err := reuseport.Listen("tcp", addr)
		if err != nil {
			return err
		}

		s := &http.Server{Handler: router}

		// Serve in a goroutine so it won't block the graceful shutdown
		// handling below
		go func() {
			if serr := s.Serve(listener); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(serr))
			}
		}()

		log.Info("Bridging",
			zap.String("upstream", conf.Addr),
			zap.String("addr", addr))

		// Wait for the interrupt signal or the upstream dying.
		select {
		case <-ctx.Done():
		case <-conn.Done():
		}

		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if serr := s.Shutdown(shutdownCtx); serr != nil {
			err = multierr.Append(err, serr)
		}

		if cerr := conn.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}

		log.Info("Exiting")
		return err
	},
}

func registerBridgeRoutes(router *gin.Engine, conn *client.Conn) {
	router.GET("/ping", func(c *gin.Context) {
		if err := conn.Ping(c.Request.Context()); err != nil {
			c.String(http.StatusBadGateway, err.Error())
			return
		}
		c.String(http.StatusOK, "pong")
	})

	router.GET("/keys/:key", func(c *gin.Context) {
		value, ok, err := conn.Get(c.Request.Context(), c.Param("key"))
		if err != nil {
			c.String(http.StatusBadGateway, err.Error())
			return
		}
		if !ok {
			c.Status(http.StatusNotFound)
			return
		}
		c.Data(http.StatusOK, "application/octet-stream", value)
	})

	router.PUT("/keys/:key", func(c *gin.Context) {
		body, err := ioutil.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		if err := conn.Set(c.Request.Context(), c.Param("key"), body); err != nil {
			c.String(http.StatusBadGateway, err.Error())
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.POST("/publish/:channel", func(c *gin.Context) {
		body, err := ioutil.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		receivers, err := conn.Publish(c.Request.Context(), c.Param("channel"), body)
		if err != nil {
			c.String(http.StatusBadGateway, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"receivers": receivers})
	})
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

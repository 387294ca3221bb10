// Package daemon hosts the measurement engine behind an HTTP API on a unix
// socket. One daemon owns the instrument registry, the SSE hub, and the
// recalibration scheduler; the CLI talks to it through pkg/client.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dcal-project/dcal/pkg/config"
	"github.com/dcal-project/dcal/pkg/events"
	"github.com/dcal-project/dcal/pkg/session"
)

var (
	conf      config.Config
	sseHub    *events.EventHub
	registry  *session.Registry
	manager   *sessionManager
	scheduler *Scheduler
)

func setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", getConfig)
	router.PUT("/chart-path", setChartPath)
	router.PUT("/retry-budget", setRetryBudget)
	router.POST("/session", startSession)
	router.GET("/session", getSession)
	router.DELETE("/session", cancelSession)
	router.GET("/session/results", getSessionResults)
	router.GET("/schedule", getSchedule)
	router.PUT("/schedule", setSchedule)
	router.POST("/schedule/postpone", postponeSchedule)
	router.POST("/schedule/skip", skipSchedule)
	router.GET("/events", getEvents)
	router.GET("/version", getVersion)

	return router
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	router := setupRoutes()

	var err error
	conf, err = config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	sseHub = events.NewEventHub()
	registry = session.NewRegistry()
	manager = newSessionManager()

	scheduler = NewScheduler(scheduledSessionStart, scheduledSessionReady, publishScheduleAction)
	if cronExpr := conf.Cron(); cronExpr != "" {
		if err := scheduler.Schedule(cronExpr); err != nil {
			logrus.WithError(err).Errorf("invalid cron expression in config: %q", cronExpr)
		} else {
			scheduler.Start()
		}
	}

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			logrus.Infof("config reloaded")
			if cronExpr := conf.Cron(); cronExpr != "" {
				if err := scheduler.Schedule(cronExpr); err != nil {
					logrus.WithError(err).Error("failed to apply reloaded cron expression")
				} else {
					scheduler.Start()
				}
			}
		}
	}()

	srv := &http.Server{
		Handler: router,
	}

	// A previous daemon may have left its socket behind.
	if _, err := os.Stat(unixSocketPath); err == nil {
		logrus.Warnf("removing stale socket %s", unixSocketPath)
		if err := os.Remove(unixSocketPath); err != nil {
			logrus.Fatal(err)
		}
	}

	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		logrus.Fatal(err)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			logrus.Fatal(err)
		}
	}

	// Serve HTTP on unix socket
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatal(err)
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	logrus.Infof("caught signal \"%s\": shutting down.", sig)

	logrus.Info("stopping scheduler")
	scheduler.Stop()

	// A running session holds the instrument and an external process; take
	// it down before the socket so clients see a consistent final state.
	if err := manager.Cancel(); err == nil {
		logrus.Info("cancelled active session")
		manager.Wait(10 * time.Second)
	}

	logrus.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = srv.Shutdown(ctx)
	if err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	cancel()

	logrus.Info("exiting")
	return nil
}

// scheduledSessionStart launches a cron-fired session through the same
// manager path the API uses.
func scheduledSessionStart() (string, error) {
	st, err := manager.Start()
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

// scheduledSessionReady holds a scheduled run while the instrument is busy
// or the chart is unreadable; the scheduler retries it until the ready
// window closes and then forfeits the occurrence.
func scheduledSessionReady() error {
	if id, busy := registry.Holder(conf.Instrument()); busy {
		return fmt.Errorf("instrument busy with session %s", id)
	}
	if _, err := os.Stat(conf.ChartPath()); err != nil {
		return fmt.Errorf("chart not readable: %v", err)
	}
	return nil
}

// publishScheduleAction mirrors every scheduler decision to the log and the
// SSE stream, so both operators and watchers see postpones, forfeits, and
// starts as they happen.
func publishScheduleAction(action, message string) {
	entry := logrus.WithField("action", action)
	switch action {
	case "error", "forfeited":
		entry.Error(message)
	default:
		entry.Info(message)
	}

	sseHub.Publish(events.ScheduleAction, events.ScheduleActionEvent{
		Action:  action,
		Message: message,
		Ts:      time.Now().Unix(),
	})
}

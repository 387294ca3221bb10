package daemon

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dcal-project/dcal/pkg/chart"
	"github.com/dcal-project/dcal/pkg/config"
	"github.com/dcal-project/dcal/pkg/session"
	"github.com/dcal-project/dcal/pkg/version"
)

func getConfig(c *gin.Context) {
	fc, err := config.NewRawFileConfigFromConfig(conf)
	if err != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	c.IndentedJSON(http.StatusOK, fc)
}

func setChartPath(c *gin.Context) {
	var path string
	if err := c.BindJSON(&path); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	// Reject charts the next session could not load anyway.
	specs, err := chart.ReadFile(path)
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetChartPath(path)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.Infof("set chart path to %s (%d patches)", path, len(specs))

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("chart set to %s, %d patches", path, len(specs)))
}

func setRetryBudget(c *gin.Context) {
	var b int
	if err := c.BindJSON(&b); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if b < 0 || b > 10 {
		err := fmt.Errorf("retry budget must be between 0 and 10, got %d", b)
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetRetryBudget(b)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	logrus.Infof("set retry budget to %d", b)

	c.IndentedJSON(http.StatusCreated, "ok")
}

func startSession(c *gin.Context) {
	st, err := manager.Start()
	if err != nil {
		if pkgerrors.Is(err, session.ErrConcurrentSession) {
			c.IndentedJSON(http.StatusConflict, err.Error())
			_ = c.AbortWithError(http.StatusConflict, err)
			return
		}
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	c.IndentedJSON(http.StatusCreated, st)
}

func getSession(c *gin.Context) {
	s, err := manager.Current()
	if err != nil {
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}

	c.IndentedJSON(http.StatusOK, s.Status())
}

func cancelSession(c *gin.Context) {
	if err := manager.Cancel(); err != nil {
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}

	logrus.Info("session cancellation requested")

	c.IndentedJSON(http.StatusOK, "cancellation requested")
}

func getSessionResults(c *gin.Context) {
	s, err := manager.Current()
	if err != nil {
		c.IndentedJSON(http.StatusNotFound, err.Error())
		_ = c.AbortWithError(http.StatusNotFound, err)
		return
	}

	c.IndentedJSON(http.StatusOK, s.Results())
}

// ScheduleStatus is the wire shape of GET /schedule.
type ScheduleStatus struct {
	Cron    string    `json:"cron"`
	NextRun time.Time `json:"nextRun"`
	Active  bool      `json:"active"`
}

func getSchedule(c *gin.Context) {
	next, running := scheduler.Status()
	if !running {
		next = time.Time{}
	}
	c.IndentedJSON(http.StatusOK, ScheduleStatus{
		Cron:    conf.Cron(),
		NextRun: next,
		Active:  running,
	})
}

func setSchedule(c *gin.Context) {
	var cronExpr string
	if err := c.BindJSON(&cronExpr); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	if cronExpr == "" {
		conf.SetCron("")
		if err := conf.Save(); err != nil {
			logrus.Errorf("saveConfig failed: %v", err)
			c.IndentedJSON(http.StatusInternalServerError, err.Error())
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		scheduler.Disable()
		logrus.Info("schedule disabled")
		c.IndentedJSON(http.StatusCreated, "schedule disabled")
		return
	}

	if err := scheduler.Schedule(cronExpr); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	conf.SetCron(cronExpr)
	if err := conf.Save(); err != nil {
		logrus.Errorf("saveConfig failed: %v", err)
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		_ = c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	scheduler.Start()

	next, _ := scheduler.Status()
	logrus.Infof("schedule set to %q, next run %s", cronExpr, next.Format(time.DateTime))

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("scheduled, next run %s", next.Format(time.DateTime)))
}

func postponeSchedule(c *gin.Context) {
	var seconds int
	if err := c.BindJSON(&seconds); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	d := time.Duration(seconds) * time.Second
	if err := scheduler.Postpone(d); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	logrus.Infof("next scheduled run postponed by %s", d)

	c.IndentedJSON(http.StatusCreated, fmt.Sprintf("postponed by %s", d))
}

func skipSchedule(c *gin.Context) {
	if err := scheduler.Skip(); err != nil {
		c.IndentedJSON(http.StatusBadRequest, err.Error())
		_ = c.AbortWithError(http.StatusBadRequest, err)
		return
	}

	logrus.Info("next scheduled run skipped")

	c.IndentedJSON(http.StatusCreated, "skipped")
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

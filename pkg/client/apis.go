package client

import (
	"encoding/json"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/dcal-project/dcal/pkg/config"
	"github.com/dcal-project/dcal/pkg/session"
)

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}

	var conf config.RawFileConfig
	if err := json.Unmarshal([]byte(ret), &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal config")
	}

	return &conf, nil
}

func (c *Client) SetChartPath(path string) (string, error) {
	payload, err := json.Marshal(path)
	if err != nil {
		return "", err
	}
	return c.Put("/chart-path", string(payload))
}

func (c *Client) SetRetryBudget(b int) (string, error) {
	return c.Put("/retry-budget", strconv.Itoa(b))
}

func (c *Client) StartSession() (*session.Status, error) {
	ret, err := c.Send("POST", "/session", "")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to start session")
	}

	var st session.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal session status")
	}
	return &st, nil
}

func (c *Client) GetSession() (*session.Status, error) {
	ret, err := c.Get("/session")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get session status")
	}

	var st session.Status
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal session status")
	}
	return &st, nil
}

func (c *Client) CancelSession() (string, error) {
	return c.Delete("/session")
}

func (c *Client) GetSessionResults() ([]session.MeasurementResult, error) {
	ret, err := c.Get("/session/results")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get session results")
	}

	var results []session.MeasurementResult
	if err := json.Unmarshal([]byte(ret), &results); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal session results")
	}
	return results, nil
}

// ScheduleStatus mirrors the daemon's GET /schedule response.
type ScheduleStatus struct {
	Cron    string    `json:"cron"`
	NextRun time.Time `json:"nextRun"`
	Active  bool      `json:"active"`
}

func (c *Client) GetSchedule() (*ScheduleStatus, error) {
	ret, err := c.Get("/schedule")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get schedule")
	}

	var st ScheduleStatus
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal schedule")
	}
	return &st, nil
}

func (c *Client) SetSchedule(cronExpr string) (string, error) {
	payload, err := json.Marshal(cronExpr)
	if err != nil {
		return "", err
	}
	return c.Put("/schedule", string(payload))
}

func (c *Client) PostponeSchedule(d time.Duration) (string, error) {
	return c.Send("POST", "/schedule/postpone", strconv.Itoa(int(d/time.Second)))
}

func (c *Client) SkipSchedule() (string, error) {
	return c.Send("POST", "/schedule/skip", "")
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}

	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}

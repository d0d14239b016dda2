// Package web exposes the daemon's HTTP surface: scheduling batches,
// driving pauses and reschedules, sweeping follow-ups, verifying IMAP
// credentials and reading reconciled replies.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/beakon/outreach"
	"github.com/beakon/outreach/internal/dao"
	"github.com/beakon/outreach/internal/dispatch"
	"github.com/beakon/outreach/internal/metrics"
	"github.com/beakon/outreach/internal/reconcile"
	"github.com/beakon/outreach/internal/scheduler"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/acme/autocert"
)

type Config struct {
	Port            int
	AutoTLS         bool
	AutoTLSHost     string
	MetricsUser     string
	MetricsPassword string
}

type Server struct {
	e   *echo.Echo
	cfg Config
	log *logrus.Logger
}

// The contrib middleware registers its collectors globally at construction,
// so it is built once no matter how many servers exist in-process.
var (
	promOnce sync.Once
	promFunc echo.MiddlewareFunc
)

func promMiddleware() echo.MiddlewareFunc {
	promOnce.Do(func() {
		promFunc = prometheus.NewPrometheus("outreach", nil).HandlerFunc
	})
	return promFunc
}

func New(db dao.DAO, sched *scheduler.Scheduler, disp *dispatch.Dispatcher, rec *reconcile.Reconciler, counters *metrics.Counters, cfg Config, log *logrus.Logger) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler(e)

	e.Use(middleware.Logger(), middleware.Recover(), promMiddleware())

	e.POST("/batches", postBatch(sched))
	e.POST("/campaigns/:id/reschedule", postRescheduleCampaign(sched))
	e.POST("/messages/:id/pause", postSetStatus(db, outreach.StatusPending, outreach.StatusPaused))
	e.POST("/messages/:id/resume", postSetStatus(db, outreach.StatusPaused, outreach.StatusPending))
	e.POST("/messages/:id/reschedule", postRescheduleMessage(sched))
	e.POST("/follow-ups/sweep", postFollowUpSweep(sched))
	e.POST("/dispatch/run", postDispatchRun(disp))
	e.POST("/reconcile/run", postReconcileRun(rec))
	e.POST("/accounts/:id/verify-imap", postVerifyIMAP(rec))
	e.GET("/replies", getReplies(db))
	e.GET("/metrics/core", echo.WrapHandler(
		metrics.BasicAuth(counters.Handler(), cfg.MetricsUser, cfg.MetricsPassword)))

	return &Server{e: e, cfg: cfg, log: log}
}

func (s *Server) Start() error {
	s.log.WithField("port", s.cfg.Port).Info("starting http server")
	if s.cfg.AutoTLS {
		s.e.AutoTLSManager.Cache = autocert.DirCache(".cache")
		if s.cfg.AutoTLSHost != "" {
			s.e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(s.cfg.AutoTLSHost)
		}
		return s.e.StartAutoTLS(fmt.Sprintf(":%d", s.cfg.Port))
	}
	return s.e.Start(fmt.Sprintf(":%d", s.cfg.Port))
}

func (s *Server) Stop(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// errorHandler maps domain errors onto http statuses. Illegal transitions
// are conflicts, not server faults.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var verr *outreach.ValidationError
		switch {
		case errors.Is(err, outreach.ErrNotFound):
			err = echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, outreach.ErrIllegalTransition):
			err = echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.As(err, &verr):
			err = echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}

func postBatch(sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req scheduler.BatchRequest
		err := c.Bind(&req)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "could not bind body")
		}
		res, err := sched.ScheduleBatch(req)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, res)
	}
}

func postRescheduleCampaign(sched *scheduler.Scheduler) echo.HandlerFunc {
	type request struct {
		StartDelay time.Duration `json:"start_delay"`
		HumanLike  bool          `json:"human_like"`
		Pattern    string        `json:"pattern"`
	}
	return func(c echo.Context) error {
		var req request
		err := c.Bind(&req)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "could not bind body")
		}
		n, err := sched.RescheduleCampaign(c.Param("id"), req.StartDelay, req.HumanLike, req.Pattern)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]int{"rescheduled": n})
	}
}

func postSetStatus(db dao.DAO, from, to outreach.Status) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := db.SetStatus(c.Param("id"), from, to)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]string{"status": to.String()})
	}
}

func postRescheduleMessage(sched *scheduler.Scheduler) echo.HandlerFunc {
	type request struct {
		At time.Time `json:"at"`
	}
	return func(c echo.Context) error {
		var req request
		err := c.Bind(&req)
		if err != nil || req.At.IsZero() {
			return echo.NewHTTPError(http.StatusBadRequest, "an instant must be provided")
		}
		err = sched.Reschedule(c.Param("id"), req.At)
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func postFollowUpSweep(sched *scheduler.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := sched.ScheduleFollowUps()
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]int{"planned": n})
	}
}

func postDispatchRun(disp *dispatch.Dispatcher) echo.HandlerFunc {
	return func(c echo.Context) error {
		n := disp.ProcessDue(c.Request().Context())
		return c.JSON(http.StatusOK, map[string]int{"sent": n})
	}
}

func postReconcileRun(rec *reconcile.Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		n := rec.ReconcileAll()
		return c.JSON(http.StatusOK, map[string]int{"matched": n})
	}
}

func postVerifyIMAP(rec *reconcile.Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := rec.Verify(c.Param("id"))
		if err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getReplies(db dao.DAO) echo.HandlerFunc {
	type reply struct {
		MessageID      string     `json:"message_id"`
		RecipientEmail string     `json:"recipient_email"`
		Subject        *string    `json:"subject"`
		Body           *string    `json:"body"`
		ReceivedAt     *time.Time `json:"received_at"`
	}
	return func(c echo.Context) error {
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		msgs, err := db.RecentResponses(limit)
		if err != nil {
			return err
		}
		out := make([]reply, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, reply{
				MessageID:      m.ID,
				RecipientEmail: m.RecipientEmail,
				Subject:        m.ResponseSubject,
				Body:           m.ResponseBody,
				ReceivedAt:     m.ResponseReceivedAt,
			})
		}
		return c.JSON(http.StatusOK, out)
	}
}

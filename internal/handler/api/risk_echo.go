package api

import (
	"context"
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	models "CoordScope/internal/domain/models"
	domrepo "CoordScope/internal/domain/repository"
	"CoordScope/internal/service/ratelimit"
	"CoordScope/internal/service/riskstream"
	xhttp "CoordScope/pkg/http"
	xlogger "CoordScope/pkg/logger"
	"CoordScope/pkg/util"
)

// WindowAnalyzer runs a stateless cycle over a stored window.
type WindowAnalyzer interface {
	Analyze(ctx context.Context, key models.PartitionKey, from, to time.Time) (models.CycleResult, error)
}

// RiskEchoHandler serves the risk board, the evidence store and on-demand analysis.
type RiskEchoHandler struct {
	logger   *xlogger.Logger
	board    domrepo.RiskBoard
	evidence domrepo.EvidenceStore
	analysis WindowAnalyzer
	limiter  *ratelimit.Limiter
	stream   *riskstream.Hub
	lookback time.Duration
}

func NewRiskEchoHandler(
	logger *xlogger.Logger,
	board domrepo.RiskBoard,
	evidence domrepo.EvidenceStore,
	analysis WindowAnalyzer,
	limiter *ratelimit.Limiter,
	stream *riskstream.Hub,
	lookback time.Duration,
) *RiskEchoHandler {
	if logger == nil {
		logger = xlogger.Nop()
	}
	return &RiskEchoHandler{
		logger:   logger,
		board:    board,
		evidence: evidence,
		analysis: analysis,
		limiter:  limiter,
		stream:   stream,
		lookback: lookback,
	}
}

func (h *RiskEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/risk", h.RiskList)
	if h.stream != nil {
		g.GET("/risk/stream", h.Stream)
	}
	g.GET("/risk/:market/:leader/:follower", h.Risk)
	g.GET("/evidence", h.EvidenceList)
	g.GET("/evidence/:id", h.Evidence)
	g.GET("/analysis/:market/:leader/:follower", h.Analysis)
}

func (h *RiskEchoHandler) Risk(c echo.Context) error {
	req := &models.PartitionRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	out, ok, err := h.board.Get(c.Request().Context(), req.Key())
	if err != nil {
		h.logger.Error("risk board read", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("risk board unavailable").WithError(err))
	}
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no risk output for %s", req.Key()))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, out)
}

func (h *RiskEchoHandler) RiskList(c echo.Context) error {
	rows, err := h.board.List(c.Request().Context())
	if err != nil {
		h.logger.Error("risk board list", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableErrorf("risk board unavailable").WithError(err))
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

func (h *RiskEchoHandler) Evidence(c echo.Context) error {
	req := &models.EvidenceRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	b, err := h.evidence.Get(c.Request().Context(), req.ID)
	if errors.Is(err, models.ErrNotFound) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("bundle %s not found", req.ID))
	}
	if err != nil {
		h.logger.Error("evidence read", xlogger.String("bundle_id", req.ID), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	// bundles are immutable once written
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=86400, immutable")
	return xhttp.SuccessResponse(c, b)
}

func (h *RiskEchoHandler) EvidenceList(c echo.Context) error {
	req := &models.EvidenceListRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	rows, err := h.evidence.List(c.Request().Context(), req.Key(), req.Limit)
	if err != nil {
		h.logger.Error("evidence list", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, rows, int64(len(rows)))
}

// Analysis defaults to the trailing lookback window ending now.
func (h *RiskEchoHandler) Analysis(c echo.Context) error {
	req := &models.AnalysisRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if h.limiter != nil && !h.limiter.Allow(c.RealIP()) {
		return xhttp.AppErrorResponse(c, xhttp.RateLimitedErrorf(h.limiter.RetryAfter(), "too many analysis requests"))
	}
	step, _ := time.ParseDuration(req.Step)
	now := time.Now().UTC()
	to := util.ParseTimeDefault(req.To, now)
	from := util.ParseTimeDefault(req.From, to.Add(-h.lookback))
	from, to = util.AlignWindow(from, to, step)

	res, err := h.analysis.Analyze(c.Request().Context(), req.Key(), from, to)
	if errors.Is(err, models.ErrInsufficientData) {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundErrorf("no observations for %s in window", req.Key()))
	}
	if err != nil {
		h.logger.Warn("analysis failed", xlogger.String("partition", req.Key().String()), xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("%v", err))
	}
	return xhttp.SuccessResponse(c, res)
}

// Stream pushes risk updates over a WebSocket, optionally filtered by ?market=.
func (h *RiskEchoHandler) Stream(c echo.Context) error {
	if err := h.stream.Serve(c.Response(), c.Request(), c.QueryParam("market")); err != nil {
		h.logger.Warn("risk stream upgrade failed", xlogger.Error(err))
	}
	return nil
}

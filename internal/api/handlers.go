package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"marketflow/internal/aggregation"
	"marketflow/internal/budget"
	"marketflow/internal/session"
	"marketflow/logger"
)

const (
	defaultLatest   = 10
	maxLatest       = 1000
	defaultLookback = 50
	defaultRatio    = 3.0
)

type errorResponse struct {
	Error string `json:"error"`
}

type streamState struct {
	Stream session.StreamKey `json:"stream"`
	State  session.State     `json:"state"`
}

type backfillRequest struct {
	Kind budget.Kind `json:"kind"`
	From uint64      `json:"from"`
	To   uint64      `json:"to"`
}

type backfillResponse struct {
	ID      string      `json:"id"`
	Kind    budget.Kind `json:"kind"`
	Skipped bool        `json:"skipped"`
}

func badRequest(msg string) error {
	return fiber.NewError(fiber.StatusBadRequest, msg)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var fe *fiber.Error
	var prior *budget.PriorFailureError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, session.ErrUnknownStream), errors.Is(err, aggregation.ErrUnknownBucket):
		return fiber.StatusNotFound
	case errors.Is(err, budget.ErrOverlaps), errors.As(err, &prior):
		return fiber.StatusConflict
	case errors.Is(err, session.ErrNoFetcher):
		return fiber.StatusNotImplemented
	case errors.Is(err, session.ErrClosed):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, aggregation.ErrBasisMismatch),
		errors.Is(err, session.ErrUnsupportedBackfill),
		errors.Is(err, session.ErrInvalidStreamKey),
		errors.Is(err, budget.ErrWeightExceedsCapacity):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError && code != fiber.StatusNotImplemented && code != fiber.StatusServiceUnavailable {
		s.log.WithError(err).WithFields(logger.Fields{"path": c.Path()}).Error("request failed")
	}
	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}

func streamKey(c *fiber.Ctx) (session.StreamKey, error) {
	key := session.NewStreamKey(c.Params("exchange"), c.Params("symbol"))
	if !key.Valid() {
		return session.StreamKey{}, badRequest("invalid stream")
	}
	return key, nil
}

func intervalKey(c *fiber.Ctx) (aggregation.IntervalKey, error) {
	v, err := strconv.ParseUint(c.Params("key"), 10, 64)
	if err != nil {
		return 0, badRequest("invalid bucket key")
	}
	return aggregation.IntervalKey(v), nil
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "streams": len(s.manager.Streams())})
}

func (s *Server) listStreams(c *fiber.Ctx) error {
	states := s.manager.States()
	out := make([]streamState, 0, len(states))
	for _, key := range s.manager.Streams() {
		out = append(out, streamState{Stream: key, State: states[key]})
	}
	return c.JSON(fiber.Map{"streams": out})
}

func (s *Server) recentMetrics(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"metrics": s.metricStore.snapshot()})
}

func (s *Server) currentBook(c *fiber.Ctx) error {
	key, err := streamKey(c)
	if err != nil {
		return err
	}
	view, err := s.manager.CurrentBook(key)
	if err != nil {
		return err
	}
	return c.JSON(view)
}

func (s *Server) latestBuckets(c *fiber.Ctx) error {
	key, err := streamKey(c)
	if err != nil {
		return err
	}
	n := c.QueryInt("n", defaultLatest)
	if n <= 0 || n > maxLatest {
		return badRequest("n must be in [1, 1000]")
	}
	views, err := s.manager.LatestBuckets(key, n)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"buckets": views})
}

func (s *Server) bucket(c *fiber.Ctx) error {
	key, err := streamKey(c)
	if err != nil {
		return err
	}
	interval, err := intervalKey(c)
	if err != nil {
		return err
	}
	view, err := s.manager.Bucket(key, interval)
	if err != nil {
		return err
	}
	return c.JSON(view)
}

func (s *Server) maxLevelValue(c *fiber.Ctx) error {
	key, err := streamKey(c)
	if err != nil {
		return err
	}
	interval, err := intervalKey(c)
	if err != nil {
		return err
	}
	metric, ok := aggregation.ParseMetric(c.Query("metric", "total"))
	if !ok {
		return badRequest("unknown metric")
	}
	v, err := s.manager.MaxLevelValue(key, interval, metric)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"key": interval, "value": v})
}

func (s *Server) imbalances(c *fiber.Ctx) error {
	key, err := streamKey(c)
	if err != nil {
		return err
	}
	interval, err := intervalKey(c)
	if err != nil {
		return err
	}
	ratio := defaultRatio
	if raw := c.Query("ratio"); raw != "" {
		ratio, err = strconv.ParseFloat(raw, 64)
		if err != nil || ratio <= 0 {
			return badRequest("ratio must be a positive number")
		}
	}
	out, err := s.manager.Imbalances(key, interval, ratio)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"key": interval, "imbalances": out})
}

func (s *Server) pointsOfControl(c *fiber.Ctx) error {
	key, err := streamKey(c)
	if err != nil {
		return err
	}
	lookback := c.QueryInt("lookback", defaultLookback)
	if lookback <= 0 {
		return badRequest("lookback must be positive")
	}
	pocs, err := s.manager.PointsOfControl(key, lookback)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"points_of_control": pocs})
}

// backfill registers a request and answers before it is fetched. Progress
// is reported to subscribers as backfill events. The fetch outlives the
// request, so it runs under the server context.
func (s *Server) backfill(c *fiber.Ctx) error {
	key, err := streamKey(c)
	if err != nil {
		return err
	}
	var req backfillRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("malformed request body")
	}
	rng := budget.Range{From: req.From, To: req.To}
	if !rng.Valid() {
		return badRequest("from must not be after to")
	}

	h, err := s.manager.RequestBackfill(s.ctx, key, req.Kind, rng)
	if err != nil {
		return err
	}

	status := fiber.StatusAccepted
	if h.Skipped() {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(backfillResponse{ID: h.ID.String(), Kind: h.Kind, Skipped: h.Skipped()})
}

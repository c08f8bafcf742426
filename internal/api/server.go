// Package api exposes the read-only serving surface: recommendations,
// policy metadata, health, and Prometheus metrics.
package api

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity-dev/stempath/internal/explain"
	"github.com/antigravity-dev/stempath/internal/metrics"
	"github.com/antigravity-dev/stempath/internal/qlearn"
	"github.com/antigravity-dev/stempath/internal/recommend"
	"github.com/antigravity-dev/stempath/internal/store"
)

// Server serves recommendations from the current policy snapshot. It never
// writes; the pipeline and trainer own their stores.
type Server struct {
	app         *fiber.App
	store       *store.Store
	recommender *recommend.Recommender
	policy      *qlearn.Snapshot
	explainer   *explain.Explainer
	logger      *slog.Logger
}

// New assembles the serving surface. policy may be nil when no artifact is
// published; requests then yield well-formed no-recommendation responses.
// explainer may be nil, in which case responses omit the rationale.
func New(st *store.Store, recommender *recommend.Recommender, policy *qlearn.Snapshot, explainer *explain.Explainer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:         fiber.New(fiber.Config{DisableStartupMessage: true}),
		store:       st,
		recommender: recommender,
		policy:      policy,
		explainer:   explainer,
		logger:      logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	s.app.Get("/api/v1/policy", s.policyInfo)
	s.app.Get("/api/v1/recommendations/:learner/:module", s.recommendation)
}

// Listen blocks serving on the bind address.
func (s *Server) Listen(bind string) error {
	s.logger.Info("serving", "bind", bind)
	return s.app.Listen(bind)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) health(c *fiber.Ctx) error {
	status := fiber.Map{"status": "ok"}
	if s.policy == nil {
		status["policy"] = "missing"
	} else {
		status["policy"] = s.policy.Version()
	}
	return c.JSON(status)
}

func (s *Server) policyInfo(c *fiber.Ctx) error {
	if s.policy == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no policy artifact published",
		})
	}
	return c.JSON(s.policy.Metadata())
}

// recommendation resolves the current state of a (learner, module) pair and
// queries the policy.
// GET /api/v1/recommendations/:learner/:module
func (s *Server) recommendation(c *fiber.Ctx) error {
	learnerID, err := strconv.Atoi(c.Params("learner"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid learner id"})
	}
	moduleID, err := strconv.Atoi(c.Params("module"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid module id"})
	}

	row, err := s.store.GetCurrent(learnerID, moduleID)
	if err != nil {
		s.logger.Error("state read failed", "learner", learnerID, "module", moduleID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "state read failed"})
	}
	if row == nil {
		metrics.Recommendations.WithLabelValues("no_state").Inc()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no current state for pair",
		})
	}

	mastery, err := s.store.GetMastery(learnerID)
	if err != nil {
		s.logger.Error("mastery read failed", "learner", learnerID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "mastery read failed"})
	}

	courseID := 0
	if v, ok := row.Metadata["course_id"].(float64); ok {
		courseID = int(v)
	}

	rec := s.recommender.Recommend(courseID, row.State, mastery)
	if rec.NoRecommendation {
		metrics.Recommendations.WithLabelValues("no_policy").Inc()
	} else {
		metrics.Recommendations.WithLabelValues("ok").Inc()
		s.attachRationale(&rec)
	}
	return c.JSON(rec)
}

// attachRationale explains the top-ranked action and folds the signed
// per-feature contributions into the response.
func (s *Server) attachRationale(rec *recommend.Recommendation) {
	if s.explainer == nil || len(rec.Ranked) == 0 {
		return
	}
	attr, err := s.explainer.Explain(rec.State, rec.Ranked[0].Action)
	if err != nil {
		s.logger.Warn("rationale unavailable", "error", err)
		return
	}
	metrics.Explanations.Inc()
	for _, f := range attr.Features {
		rec.Rationale = append(rec.Rationale, recommend.RationaleFeature{Feature: f.Feature, Phi: f.Phi})
	}
}

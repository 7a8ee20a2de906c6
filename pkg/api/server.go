// Package api exposes the HTTP surface: the versioned REST API, the
// WebSocket and SSE realtime endpoints, health, and metrics.
package api

import (
	"database/sql"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/theatreos/theatreos/pkg/auth"
	"github.com/theatreos/theatreos/pkg/crew"
	"github.com/theatreos/theatreos/pkg/events"
	"github.com/theatreos/theatreos/pkg/evidence"
	"github.com/theatreos/theatreos/pkg/gates"
	"github.com/theatreos/theatreos/pkg/kernel"
	"github.com/theatreos/theatreos/pkg/models"
	"github.com/theatreos/theatreos/pkg/rumor"
	"github.com/theatreos/theatreos/pkg/scheduler"
	"github.com/theatreos/theatreos/pkg/storage"
	"github.com/theatreos/theatreos/pkg/themepack"
	"github.com/theatreos/theatreos/pkg/trace"
)

// Server wires the engines to HTTP handlers.
type Server struct {
	store     storage.Store
	packs     *themepack.Registry
	auth      *auth.Manager
	kernel    *kernel.Kernel
	scheduler *scheduler.Service
	gates     *gates.Service
	evidence  *evidence.Service
	rumors    *rumor.Service
	traces    *trace.Service
	crews     *crew.Service
	manager   *events.ConnectionManager

	// rawDB backs the health check; nil when running on the memory store.
	rawDB *sql.DB

	// debugTokens enables the unauthenticated token mint endpoint for
	// local development.
	debugTokens bool
}

// Options carries the handler dependencies.
type Options struct {
	Store     storage.Store
	Packs     *themepack.Registry
	Auth      *auth.Manager
	Kernel    *kernel.Kernel
	Scheduler *scheduler.Service
	Gates     *gates.Service
	Evidence  *evidence.Service
	Rumors    *rumor.Service
	Traces    *trace.Service
	Crews     *crew.Service
	Manager   *events.ConnectionManager
	RawDB     *sql.DB
	Debug     bool
}

// NewServer creates the API server.
func NewServer(opts Options) *Server {
	return &Server{
		store:       opts.Store,
		packs:       opts.Packs,
		auth:        opts.Auth,
		kernel:      opts.Kernel,
		scheduler:   opts.Scheduler,
		gates:       opts.Gates,
		evidence:    opts.Evidence,
		rumors:      opts.Rumors,
		traces:      opts.Traces,
		crews:       opts.Crews,
		manager:     opts.Manager,
		rawDB:       opts.RawDB,
		debugTokens: opts.Debug,
	}
}

// Router builds the route table.
func (s *Server) Router() *echo.Echo {
	e := echo.New()
	e.Use(middleware.Recover())
	e.Use(s.requestLogger)

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if s.debugTokens {
		e.POST("/auth/token", s.mintToken)
	}
	e.POST("/auth/revoke", s.revokeToken, s.authenticated)

	e.GET("/ws", s.handleWS, s.authenticated)
	e.GET("/stream", s.handleStream, s.authenticated)

	v1 := e.Group("/api/v1", s.authenticated)

	v1.GET("/packs", s.listPacks)
	v1.GET("/packs/:id/validate", s.validatePack, s.requireRole(models.RoleOperator))

	v1.POST("/theatres", s.createTheatre, s.requireRole(models.RoleOperator))
	v1.GET("/theatres", s.listTheatres)
	v1.GET("/theatres/:id", s.getTheatre)
	v1.POST("/theatres/:id/pack", s.bindPack, s.requireRole(models.RoleOperator))
	v1.GET("/theatres/:id/state", s.getWorldState)
	v1.POST("/theatres/:id/deltas", s.applyDelta, s.requireRole(models.RoleOperator))
	v1.GET("/theatres/:id/events", s.listEvents)

	v1.POST("/theatres/:id/stages", s.createStage, s.requireRole(models.RoleOperator))
	v1.GET("/theatres/:id/stages", s.listStages)
	v1.GET("/theatres/:id/stages/nearby", s.nearbyStages)

	v1.GET("/theatres/:id/plans/current", s.currentPlan)
	v1.GET("/theatres/:id/plans", s.getPlan)
	v1.POST("/theatres/:id/plans/generate", s.generatePlan, s.requireRole(models.RoleOperator))
	v1.POST("/theatres/:id/overrides", s.addOverride, s.requireRole(models.RoleOperator))

	v1.GET("/theatres/:id/gates", s.listGates)
	v1.GET("/gates/:id", s.getGate)
	v1.GET("/gates/:id/explain", s.explainGate)
	v1.POST("/gates/:id/vote", s.castVote)
	v1.POST("/gates/:id/stake", s.placeStake)
	v1.POST("/gates/:id/cancel", s.cancelGate, s.requireRole(models.RoleOperator))
	v1.GET("/theatres/:id/wallet", s.getWallet)

	v1.GET("/theatres/:id/evidence", s.listEvidence)
	v1.POST("/theatres/:id/evidence", s.grantEvidence, s.requireRole(models.RoleOperator))
	v1.GET("/evidence/:id", s.getEvidence)
	v1.POST("/evidence/:id/transfer", s.transferEvidence)
	v1.POST("/evidence/:id/consume", s.consumeEvidence)
	v1.POST("/evidence/:id/verify", s.verifyEvidence)

	v1.POST("/theatres/:id/rumors", s.draftRumor)
	v1.GET("/theatres/:id/rumors", s.listRumors)
	v1.GET("/theatres/:id/rumors/heat", s.stageHeat)
	v1.GET("/rumors/:id", s.getRumor)
	v1.POST("/rumors/:id/publish", s.publishRumor)
	v1.POST("/rumors/:id/spread", s.spreadRumor)
	v1.POST("/rumors/:id/debunk", s.debunkRumor)
	v1.POST("/rumors/:id/debunk-force", s.forceDebunkRumor, s.requireRole(models.RoleModerator))

	v1.POST("/theatres/:id/traces", s.leaveTrace)
	v1.GET("/theatres/:id/stages/:stage/traces", s.listTraces)
	v1.GET("/theatres/:id/stages/:stage/density", s.traceDensity)
	v1.POST("/traces/:id/discover", s.discoverTrace)

	v1.POST("/theatres/:id/crews", s.createCrew)
	v1.GET("/crews/:id", s.getCrew)
	v1.GET("/crews/:id/members", s.listCrewMembers)
	v1.POST("/crews/:id/join", s.joinCrew)
	v1.POST("/crews/:id/leave", s.leaveCrew)
	v1.POST("/crews/:id/transfer", s.transferCrewLeadership)
	v1.POST("/crews/:id/actions", s.initiateAction)
	v1.POST("/actions/:id/join", s.joinAction)
	v1.POST("/actions/:id/complete", s.completeAction)
	v1.GET("/crews/:id/resources/:resource", s.getResource)
	v1.POST("/crews/:id/resources/:resource/share", s.shareResource)
	v1.POST("/crews/:id/resources/:resource/claim", s.claimResource)

	return e
}

// Handler returns the router as a plain http.Handler for the outer server.
func (s *Server) Handler() http.Handler {
	return s.Router()
}

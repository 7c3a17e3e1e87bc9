// Package api wires the gin HTTP surface: request validation, the
// job-token/auth-token/callback-token gates, and the handlers that delegate
// into the domain services.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/artifact"
	"github.com/Lexiie/KangKlip/internal/audit"
	"github.com/Lexiie/KangKlip/internal/auth"
	"github.com/Lexiie/KangKlip/internal/credit"
	"github.com/Lexiie/KangKlip/internal/dispatcher"
	"github.com/Lexiie/KangKlip/internal/logger"
	"github.com/Lexiie/KangKlip/internal/store"
	"github.com/Lexiie/KangKlip/internal/unlock"
)

// Router holds every domain service the HTTP surface delegates into.
type Router struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	auth       *auth.Service
	credit     *credit.Service
	artifact   *artifact.Gate
	unlock     *unlock.Coordinator
	audit      *audit.Repository
	logger     logger.Logger

	callbackToken string
}

// New constructs a Router.
func New(
	s *store.Store,
	d *dispatcher.Dispatcher,
	a *auth.Service,
	cr *credit.Service,
	ar *artifact.Gate,
	ul *unlock.Coordinator,
	au *audit.Repository,
	log logger.Logger,
	callbackToken string,
) *Router {
	return &Router{
		store: s, dispatcher: d, auth: a, credit: cr, artifact: ar, unlock: ul,
		audit: au, logger: log, callbackToken: callbackToken,
	}
}

// Routes registers every endpoint onto engine. Pass this to
// httpserver.Builder.WithRoutes.
func (r *Router) Routes(engine *gin.Engine) {
	apiGroup := engine.Group("/api")

	jobs := apiGroup.Group("/jobs")
	jobs.POST("", r.createJob)
	jobs.GET("/:jobId", r.getJob)
	jobs.GET("/:jobId/results", r.jobTokenGate(), r.getResults)
	jobs.GET("/:jobId/clips/:clipFile/preview", r.jobTokenGate(), r.previewClip)
	jobs.GET("/:jobId/clips/:clipFile/download", r.jobTokenGate(), r.downloadClip)
	jobs.GET("/:jobId/clips/:clipFile/stream", r.jobTokenGate(), r.streamClip)
	jobs.POST("/:jobId/clips/:clipFile/unlock", r.jobTokenGate(), r.authTokenGate(), r.unlockClip)

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/challenge", r.authChallenge)
	authGroup.POST("/verify", r.authVerify)

	credits := apiGroup.Group("/credits")
	credits.GET("/balance", r.authTokenGate(), r.creditBalance)
	credits.POST("/topup/usdc/intent", r.authTokenGate(), r.topupIntent)
	credits.POST("/topup/usdc/confirm", r.authTokenGate(), r.topupConfirm)

	callback := apiGroup.Group("/callback")
	callback.POST("/nosana", r.callbackTokenGate(), r.jobCallback)
}

// respondError writes the JSON body and status for any error, normalizing
// non-apierror errors to Internal so handlers never leak raw error strings.
func (r *Router) respondError(c *gin.Context, err error) {
	apiErr, ok := err.(*apierror.Error)
	if !ok {
		apiErr = apierror.Internal("unexpected error", err)
	}

	_ = c.Error(apiErr)

	body := gin.H{"error": apiErr.Message}
	for k, v := range apiErr.Extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(apiErr.StatusCode(), body)
}

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Lexiie/KangKlip/internal/apierror"
	"github.com/Lexiie/KangKlip/internal/store"
)

const (
	jobTokenHeader      = "x-job-token"
	authTokenHeader     = "x-auth-token"
	callbackTokenHeader = "x-callback-token"
)

// jobTokenGate enforces that x-job-token equals the job's JobToken. On
// success it stashes the loaded job under "job" so downstream handlers never
// re-fetch it.
func (r *Router) jobTokenGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		job, err := r.store.GetJob(c.Request.Context(), jobID)
		if err != nil {
			if err == store.ErrNotFound {
				r.respondError(c, apierror.NotFound("job not found"))
				return
			}
			r.respondError(c, apierror.Internal("failed to load job", err))
			return
		}

		token := c.GetHeader(jobTokenHeader)
		if token == "" || token != job.JobToken {
			r.respondError(c, apierror.Unauthorized("missing or invalid job token"))
			return
		}

		c.Set("job", job)
		c.Next()
	}
}

// authTokenGate enforces that x-auth-token resolves to a bound wallet
// address, stashing it under "wallet".
func (r *Router) authTokenGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(authTokenHeader)
		if token == "" {
			r.respondError(c, apierror.Unauthorized("missing auth token"))
			return
		}

		wallet, err := r.auth.ResolveToken(c.Request.Context(), token)
		if err != nil {
			r.respondError(c, err)
			return
		}

		c.Set("wallet", wallet)
		c.Next()
	}
}

// callbackTokenGate enforces the worker callback's shared-secret header.
func (r *Router) callbackTokenGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(callbackTokenHeader)
		if token == "" || token != r.callbackToken {
			r.respondError(c, apierror.Unauthorized("missing or invalid callback token"))
			return
		}
		c.Next()
	}
}

package main

import (
	"voice-scheduler/internal/httpapi"
	"voice-scheduler/internal/rbac"
	"voice-scheduler/internal/telephony"

	"github.com/gin-gonic/gin"
)

// registerPublicRoutes mounts health and the Twilio-facing endpoints. These
// authenticate by stream token and request signature, not by access token.
func registerPublicRoutes(r *gin.Engine, h httpapi.Handlers, media telephony.MediaStreamHandler, status telephony.StatusCallbackHandler) {
	r.GET("/healthz", h.Healthz)
	r.GET("/media-stream", media.Handle)
	r.POST("/webhooks/twilio/status", status.Handle)
}

// registerAuthRoutes mounts token issuance for local tooling.
func registerAuthRoutes(r *gin.Engine, h httpapi.Handlers) {
	r.POST("/v1/auth/login", h.Login)
	r.POST("/v1/auth/refresh", h.Refresh)
}

// registerProtectedRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerProtectedRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireUser())

	callsGroup := v1.Group("/calls")
	{
		callsGroup.POST("", rbac.RequireAnyRole(rbac.CallWriters...), h.ScheduleCall)
		callsGroup.GET("/:call_id", rbac.RequireAnyRole(rbac.CallReaders...), h.GetCall)
		callsGroup.DELETE("/:call_id", rbac.RequireAnyRole(rbac.CallWriters...), h.CancelCall)
		callsGroup.GET("/:call_id/events", rbac.RequireAnyRole(rbac.CallReaders...), h.ListCallEvents)
	}

	reports := v1.Group("/reports")
	reports.Use(rbac.RequireAnyRole(rbac.CallReaders...))
	{
		reports.GET("/calls", h.CallsReport)
	}
}

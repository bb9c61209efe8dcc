package http

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handler, authMid *AuthMiddleware) *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", wrap(h.Health))
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// Provider callbacks authenticate with the path secret, not a JWT.
	router.POST("/webhooks/:webhook_secret/:provider_kind", wrap(h.Webhook))

	router.POST("/connectors/create/:provider", chain(h.Create, authMid.Handle))
	router.POST("/connectors/stop/:connector_id", chain(h.Stop, authMid.Handle))
	router.POST("/connectors/resume/:connector_id", chain(h.Resume, authMid.Handle))
	router.POST("/connectors/update/:connector_id", chain(h.Update, authMid.Handle))
	router.POST("/connectors/sync/:connector_id", chain(h.Sync, authMid.Handle))
	router.DELETE("/connectors/delete/:connector_id", chain(h.Delete, authMid.Handle))
	router.GET("/connectors/:connector_id", chain(h.Get, authMid.Handle))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, ErrCodeNotFound, "route not found", nil)
	})

	return router
}

func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), paramsKey, ps)
		handler(w, r.WithContext(ctx))
	}
}

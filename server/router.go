package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth surface and the proxied
// resource routes.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.corsOrigins()))

	r.Get("/health", a.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.handleCallback)
		r.Post("/token", a.handleToken)
		r.Post("/refresh", a.handleRefresh)
		r.Get("/status", a.handleStatus)
		r.Post("/logout", a.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(a.Gate.Middleware)

		r.Get("/vehicles", a.handleVehicles)
		r.Route("/vehicles/{id}", func(r chi.Router) {
			r.Get("/", a.handleVehicleData)
			r.Post("/wake", a.handleVehicleWake)
			r.Get("/charging", a.handleChargeState)
			r.Get("/charging/sites", a.handleNearbyChargingSites)
			r.Post("/command/{name}", a.handleCommand)
		})

		r.Get("/user/me", a.handleUserMe)
		r.Get("/user/region", a.handleUserRegion)
	})

	return r
}

func (a *App) corsOrigins() []string {
	origins := a.Config.Server.CORSOrigins
	if len(origins) == 0 && a.Config.Server.FrontendURL != "" {
		origins = []string{a.Config.Server.FrontendURL}
	}
	return origins
}

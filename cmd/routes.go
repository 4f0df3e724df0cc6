package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
)

func (app *application) JWTMiddlewareWithRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return app.JWTMiddleware(next, roles...)
	}
}

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders)
	partnerMiddleware := alice.New(app.JWTMiddlewareWithRole("business", "business_worker"))

	mux := pat.New()

	// Payment gateway
	mux.Post("/api/v1/payments/webhook", http.HandlerFunc(app.settlement.HandleWebhook))
	mux.Get("/api/v1/payments/webhook", http.HandlerFunc(app.settlement.HandleHealth))

	// Partner
	mux.Post("/api/v1/partner/fulfillments/action", partnerMiddleware.Append(makeResponseJSON).ThenFunc(app.settlement.HandlePartnerAction))
	mux.Get("/api/v1/partner/ws", partnerMiddleware.ThenFunc(app.settlement.HandlePartnerWS))

	return standardMiddleware.Then(mux)
}

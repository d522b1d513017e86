package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-reservations/internal/config"
	"table-reservations/internal/handlers"
	"table-reservations/internal/logger"
	"table-reservations/internal/middleware"
	"table-reservations/internal/models"
	"table-reservations/internal/ratelimit"
	"table-reservations/internal/services"
)

func TestSetupRouter(t *testing.T) {
	log := logger.Nop()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Auth.Secret = "test-secret"

	store, err := openBackend(context.Background(), cfg, log)
	require.NoError(t, err)
	defer store.ledger.Close()
	require.NoError(t, store.catalog.UpsertResource(context.Background(),
		models.Resource{ID: "t1", Name: "Bar", Capacity: 2, HourlyRate: 1000, Active: true}))

	bookings := services.NewBookingService(store.ledger, store.catalog, nil, log, services.DefaultPolicy())
	auth := middleware.NewAuthenticator(cfg.Auth, log)
	router := setupRouter(log, cfg, ratelimit.NewLocal(100, 100, time.Minute), auth,
		map[string]handlers.HealthCheck{"ledger": store.health},
		handlers.NewBookingHandler(bookings, nil, log),
		handlers.NewPaymentHandler(bookings, log),
		stripeHandler(nil, bookings, log),
	)

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, get("/health", ""))
	assert.Equal(t, http.StatusOK, get("/ready", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/api/v1/bookings", ""))

	token, err := auth.IssueToken(models.Actor{ID: "u-1", Role: models.RoleCustomer}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, get("/api/v1/bookings", token))
	assert.Equal(t, http.StatusNotFound, get("/api/v1/bookings/unknown", token))
}

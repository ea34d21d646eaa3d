package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/absmach/paramserver/pkg/api"
	"github.com/absmach/supermq"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func MakeHandler(svc Service, logger *slog.Logger, svcName, instanceID string) http.Handler {
	mux := chi.NewRouter()

	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(api.LoggingErrorEncoder(logger, api.EncodeError)),
	}

	mux.Get("/progress", otelhttp.NewHandler(kithttp.NewServer(
		progressEndpoint(svc),
		decodeEmpty,
		api.EncodeResponse,
		opts...,
	), "get-progress").ServeHTTP)
	mux.Get("/state", otelhttp.NewHandler(kithttp.NewServer(
		stateEndpoint(svc),
		decodeEmpty,
		api.EncodeResponse,
		opts...,
	), "get-state").ServeHTTP)

	mux.Get("/health", supermq.Health(svcName, instanceID))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

func decodeEmpty(_ context.Context, _ *http.Request) (any, error) {
	return nil, nil
}

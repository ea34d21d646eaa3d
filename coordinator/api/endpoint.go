package api

import (
	"context"

	"github.com/absmach/paramserver/coordinator"
	"github.com/go-kit/kit/endpoint"
)

// Service is the read-only view of a running coordinator.
type Service interface {
	Progress() coordinator.ProgressReport
	StateInfo() coordinator.StateInfo
}

func progressEndpoint(svc Service) endpoint.Endpoint {
	return func(_ context.Context, _ any) (any, error) {
		return progressRes{ProgressReport: svc.Progress()}, nil
	}
}

func stateEndpoint(svc Service) endpoint.Endpoint {
	return func(_ context.Context, _ any) (any, error) {
		return stateRes{StateInfo: svc.StateInfo()}, nil
	}
}

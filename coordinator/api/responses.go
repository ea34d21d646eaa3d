package api

import (
	"net/http"

	"github.com/absmach/paramserver/coordinator"
	"github.com/absmach/supermq"
)

var (
	_ supermq.Response = (*progressRes)(nil)
	_ supermq.Response = (*stateRes)(nil)
)

type progressRes struct {
	coordinator.ProgressReport
}

func (progressRes) Code() int {
	return http.StatusOK
}

func (progressRes) Headers() map[string]string {
	return map[string]string{}
}

func (progressRes) Empty() bool {
	return false
}

type stateRes struct {
	coordinator.StateInfo
}

func (stateRes) Code() int {
	return http.StatusOK
}

func (stateRes) Headers() map[string]string {
	return map[string]string{}
}

func (stateRes) Empty() bool {
	return false
}

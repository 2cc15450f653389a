package client

import (
	"fmt"

	"github.com/harunnryd/rocker/internal/errors"
)

// Code is the outcome of a client operation.
type Code int

const (
	CodeUnknown Code = iota - 1
	CodeSuccess
	CodeSys
	CodeParamInvalid
	CodeServerUnreachable
	CodeGenLocalAddrFailed
	CodeSendReqFailed
	CodeRecvRespFailed
	CodeBuildFailed
	CodeEnterFailed
	CodeAppExecFailed
	CodeGetGuardNameFailed
)

var codeNames = map[Code]string{
	CodeUnknown:            "unknown",
	CodeSuccess:            "success",
	CodeSys:                "sys",
	CodeParamInvalid:       "param_invalid",
	CodeServerUnreachable:  "server_unreachable",
	CodeGenLocalAddrFailed: "gen_local_addr_failed",
	CodeSendReqFailed:      "send_req_failed",
	CodeRecvRespFailed:     "recv_resp_failed",
	CodeBuildFailed:        "build_failed",
	CodeEnterFailed:        "enter_failed",
	CodeAppExecFailed:      "app_exec_failed",
	CodeGetGuardNameFailed: "get_guard_name_failed",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error carries the Code of a failed operation and its cause.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the Code from err. A nil error is CodeSuccess.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

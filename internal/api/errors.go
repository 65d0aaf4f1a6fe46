package api

import (
	"encoding/json"
	"errors"
	"net/http"

	xerrors "AgentCompany/internal/errors"
	"AgentCompany/internal/payment"
	"AgentCompany/internal/task"
)

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation, payment.CodePaymentValidation, xerrors.CodeInvalidTransition:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound, payment.CodePaymentNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeAlreadyCompleted, xerrors.CodeNotPending, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeTaskLimit, xerrors.CodeBudgetExceeded:
		return http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure, xerrors.CodeProvider:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	var coded *xerrors.Error
	if errors.As(err, &coded) {
		body.Message = coded.Message()
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusFor(xerrors.Code(body.Code)), map[string]errorBody{"error": body})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, xerrors.New(xerrors.CodeInvalidArgument, message))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

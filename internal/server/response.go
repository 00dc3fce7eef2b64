package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/relayforge/agentcore/pkg/apierr"
)

// envelope is the one response shape every surface in this package
// writes: {success:true, result} or {success:false, error:{code, message}}.
type envelope struct {
	Success bool              `json:"success"`
	Result  any               `json:"result,omitempty"`
	Error   *apierr.CodedError `json:"error,omitempty"`
}

// writeJSON writes an arbitrary JSON body at status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeResult writes a success envelope.
func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Result: result})
}

// writeErr writes a failure envelope, translating err into its apierr.Code
// and an HTTP status. Any error that isn't already a *apierr.CodedError is
// reported as apierr.CodeInternalError without leaking its text verbatim.
func writeErr(w http.ResponseWriter, err error) {
	var coded *apierr.CodedError
	if !errors.As(err, &coded) {
		coded = apierr.New(apierr.CodeInternalError, "internal error")
	}
	writeJSON(w, statusFor(coded.Code), envelope{Success: false, Error: coded})
}

// statusFor maps an apierr.Code onto the HTTP status that writeErr uses for
// the error envelope; the JSON-RPC and REST handlers both answer errors
// through writeErr, so both report this status.
func statusFor(code apierr.Code) int {
	switch code {
	case apierr.CodeInvalidParams:
		return http.StatusBadRequest
	case apierr.CodeSessionNotFound, apierr.CodeWorkspaceNotFound, apierr.CodeEventNotFound, apierr.CodeBlobNotFound, apierr.CodeRunNotFound:
		return http.StatusNotFound
	case apierr.CodeAlreadyInPlanMode, apierr.CodeNotInPlanMode, apierr.CodeInvalidOperation, apierr.CodeStoreConflict, apierr.CodeTurnCapExceeded, apierr.CodeToolDenied:
		return http.StatusConflict
	case apierr.CodeSessionBusy:
		return http.StatusTooManyRequests
	case apierr.CodeNotAvailable:
		return http.StatusServiceUnavailable
	case apierr.CodeProviderError, apierr.CodeSubagentTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

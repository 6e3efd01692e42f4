package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cashkit/indexer/idxerr"
)

// WebError is the error shape at the query boundary.
type WebError struct {
	ErrorCode   string `json:"errorCode"`
	Msg         string `json:"msg"`
	IsUserError bool   `json:"isUserError"`
}

// sendOptions sends a response to an OPTIONS request.
func sendOptions(w http.ResponseWriter, r *http.Request, options string, corsOrigin string) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Allow", options)
		w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", options)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", options)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// sendJson sends a JSON response to a web request.
func sendJson(w http.ResponseWriter, payload any, options string, corsOrigin string) {
	bytes, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, fmt.Sprintf("error encoding JSON: %s", err.Error()), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "private; max-age=0")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(bytes)))
	w.Header().Set("Allow", options)
	w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
	w.Header().Set("Access-Control-Allow-Methods", options)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Write(bytes)
}

// sendError maps an error onto the boundary shape and status code.
func sendError(w http.ResponseWriter, err error, options string, corsOrigin string) {
	webErr := WebError{ErrorCode: string(idxerr.ErrInternal), Msg: err.Error()}
	status := http.StatusInternalServerError
	var e *idxerr.Error
	if errors.As(err, &e) {
		webErr.ErrorCode = string(e.Code())
		webErr.Msg = e.Message()
		webErr.IsUserError = e.IsUserError()
		switch e.Code() {
		case idxerr.ErrInvalidArgument, idxerr.ErrRejected:
			status = http.StatusBadRequest
		case idxerr.ErrNotFound:
			status = http.StatusNotFound
		}
	}
	sendErrorCode(w, status, webErr, options, corsOrigin)
}

func sendErrorCode(w http.ResponseWriter, status int, webErr WebError, options string, corsOrigin string) {
	bytes, err := json.Marshal(webErr)
	if err != nil {
		bytes = []byte(fmt.Sprintf("{\"errorCode\":\"internal\",\"msg\":\"encoding JSON: %s\"}", err.Error()))
		status = http.StatusInternalServerError
	}
	w.Header().Set("Cache-Control", "private; max-age=0")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(bytes)))
	w.Header().Set("Allow", options)
	w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
	w.Header().Set("Access-Control-Allow-Methods", options)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(status)
	w.Write(bytes)
}

// Package httputils contains the request plumbing shared between the HTTP
// server and the event loop: request types with their result channels,
// parsing, and response writing.
package httputils

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/whisthq/whist/backend/placement-service/utils"
	logger "github.com/whisthq/whist/backend/placement-service/whistlogger"
)

// A ServerRequest represents a request from the server --- it is exported so
// that we can implement the top-level event handlers in parent packages. They
// simply return the result and any error message via ReturnResult.
type ServerRequest interface {
	ReturnResult(result interface{}, err error)
	CreateResultChan()
}

// A RequestResult represents the result of a request that was successfully
// authenticated, parsed, and processed by the consumer.
type RequestResult struct {
	Result interface{} `json:"-"`
	Err    error       `json:"error"`
}

// Send writes the HTTP response for the result. A failed request sends 503
// with the result body, which carries the typed error kind; a successful
// request with no body sends 204; everything else sends 200 with the result
// marshalled as JSON.
func (r RequestResult) Send(w http.ResponseWriter) {
	if r.Err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		buf, err := json.Marshal(r.Result)
		if err != nil {
			logger.Errorf("error marshalling a 503 response body: %s", err)
			return
		}
		_, _ = w.Write(buf)
		return
	}

	if r.Result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	buf, err := json.Marshal(r.Result)
	if err != nil {
		logger.Errorf("error marshalling a 200 response body: %s", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

// GetAccessToken extracts the bearer token from the request's Authorization
// header.
func GetAccessToken(r *http.Request) (string, error) {
	authorization := r.Header.Get("Authorization")
	bearer := strings.Split(authorization, "Bearer ")
	if len(bearer) <= 1 || bearer[1] == "" {
		return "", utils.MakeError("request on %s to URL %s is missing a bearer token", r.Host, r.URL)
	}
	return bearer[1], nil
}

// ParseRequest unmarshals the request body into the struct `s` and sets up
// its result channel.
func ParseRequest(w http.ResponseWriter, r *http.Request, s ServerRequest) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("error getting body from request on %s to URL %s: %s", r.Host, r.URL, err)
	}

	if err := json.Unmarshal(body, s); err != nil {
		http.Error(w, "Malformed body", http.StatusBadRequest)
		return utils.MakeError("error unmarshalling JSON body sent on %s to URL %s: %s", r.Host, r.URL, err)
	}

	s.CreateResultChan()
	return nil
}

// VerifyRequestType verifies the method of a request.
func VerifyRequestType(w http.ResponseWriter, r *http.Request, method string) error {
	if r == nil {
		err := utils.MakeError("received a nil request expecting to be type %s", method)
		http.Error(w, utils.Sprintf("Bad request. Expected %s, got nil", method), http.StatusBadRequest)
		return err
	}

	if r.Method != method {
		err := utils.MakeError("received a request on %s to URL %s of type %s, but it should have been type %s", r.Host, r.URL, r.Method, method)
		http.Error(w, utils.Sprintf("Bad request type. Expected %s, got %s", method, r.Method), http.StatusBadRequest)
		return err
	}
	return nil
}

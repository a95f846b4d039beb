package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/javanstorm/nodelab/internal/lab"
)

// HTTPResponse is a wrapper for http.ResponseWriter which provides access
// to several convenience methods
type HTTPResponse struct {
	http.ResponseWriter
}

// HTTPError is the body of every error response.
type HTTPError struct {
	Error string        `json:"error"`
	Kind  lab.ErrorKind `json:"kind"`
}

// JSON writes appropriate headers and JSON body to the http response
func (hr *HTTPResponse) JSON(code int, obj interface{}) {
	hr.Header().Set("Content-Type", "application/json")
	hr.WriteHeader(code)
	if err := json.NewEncoder(hr).Encode(obj); err != nil {
		log.WithField("error", err).Error("failed to encode response")
	}
}

// JSONError writes err with the status code of its kind.
func (hr *HTTPResponse) JSONError(err error) {
	kind := lab.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		log.WithFields(log.Fields{"error": err, "kind": kind}).Error("request failed")
	}
	hr.JSON(code, &HTTPError{Error: err.Error(), Kind: kind})
}

func statusFor(kind lab.ErrorKind) int {
	switch kind {
	case lab.KindNotFound:
		return http.StatusNotFound
	case lab.KindAlreadyRunning, lab.KindAlreadyStopped, lab.KindAlreadyExists:
		return http.StatusConflict
	case lab.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case lab.KindGatewaySyncFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	views, err := s.lab.List(r.Context())
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, views)
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	inst, err := s.lab.CreateNode(r.Context())
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusCreated, inst)
}

func (s *Server) createRouter(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	inst, err := s.lab.CreateRouter(r.Context())
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusCreated, inst)
}

type runResponse struct {
	Success bool `json:"success"`
	*lab.RunResult
}

func (s *Server) runNode(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	res, err := s.lab.Run(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, runResponse{Success: true, RunResult: res})
}

type stopResponse struct {
	Success bool `json:"success"`
	*lab.StopResult
}

func (s *Server) stopNode(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	res, err := s.lab.Stop(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, stopResponse{Success: true, StopResult: res})
}

type wipeResponse struct {
	Success bool `json:"success"`
	*lab.WipeResult
}

func (s *Server) wipeNode(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	res, err := s.lab.Wipe(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, wipeResponse{Success: true, WipeResult: res})
}

type wipeAllResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	*lab.WipeAllResult
}

// wipeAll answers 200 when every instance was wiped and 207 with the
// per-instance outcomes otherwise.
func (s *Server) wipeAll(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	res, err := s.lab.WipeAll(r.Context())
	if res == nil {
		hr.JSONError(err)
		return
	}
	if err != nil {
		hr.JSON(http.StatusMultiStatus, wipeAllResponse{
			Success:       false,
			Message:       err.Error(),
			WipeAllResult: res,
		})
		return
	}
	hr.JSON(http.StatusOK, wipeAllResponse{
		Success:       true,
		Message:       "All nodes stopped and wiped",
		WipeAllResult: res,
	})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	summary, err := s.sink.DisplayMetrics(w, r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, summary)
}

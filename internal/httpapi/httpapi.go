// Package httpapi implements the external interfaces of spec §6: /export,
// /users/clock_status/<wallet>, /sync, and /async_processing_status. It is
// a thin translation layer over the Peer Exporter, Clock Log Store, and
// Async Job Queue — no ingress auth or request validation beyond what the
// wire protocol itself requires (those concerns are out of scope per spec
// §1).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/creator-network/creator-node/internal/errs"
	"github.com/creator-network/creator-node/internal/export"
)

// localClockReader is the subset of *clocklog.Store the clock-status probe
// needs.
type localClockReader interface {
	LocalClock(ctx context.Context, wallet string) (int64, error)
}

// exporter is the subset of *export.Exporter the /export route needs.
type exporter interface {
	Export(ctx context.Context, wallets []string, clockRangeMin int64, requesterEndpoint string) (export.Payload, error)
}

// jobEnqueuer is the subset of *jobqueue.Queue the /sync route needs.
type jobEnqueuer interface {
	Enqueue(ctx context.Context, task string, params interface{}) (string, error)
}

// Server holds the handlers' dependencies.
type Server struct {
	exporter     exporter
	clockLog     localClockReader
	queue        jobEnqueuer
	syncTaskName string
	log          *logrus.Entry
}

// New builds a Server. syncTaskName is the jobqueue task kind /sync
// enqueues onto (nodeservice.SyncJobTask in the wired binary).
func New(exp exporter, clockLog localClockReader, queue jobEnqueuer, syncTaskName string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{exporter: exp, clockLog: clockLog, queue: queue, syncTaskName: syncTaskName, log: log}
}

// statusLookup abstracts *jobqueue.Queue.Status's concrete Record return so
// this package does not import jobqueue's Record type into its public
// surface; nodeservice supplies an adapter closure.
type statusLookup func(ctx context.Context, task, requestID string) (status string, result json.RawMessage, errMsg string, ok bool, err error)

// Handler assembles the routed, CORS-wrapped http.Handler for all four
// endpoints of spec §6.
func (s *Server) Handler(statusFn statusLookup) http.Handler {
	router := httprouter.New()
	router.GET("/export", s.handleExport)
	router.GET("/users/clock_status/:wallet", s.handleClockStatus)
	router.POST("/sync", s.handleSync)
	router.GET("/async_processing_status", s.handleStatus(statusFn))
	return cors.Default().Handler(router)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	wallets := q["wallet_public_key"]
	if len(wallets) == 0 {
		writeError(w, http.StatusBadRequest, errs.New(errs.ExportInvalid, "wallet_public_key is required"))
		return
	}
	clockRangeMin := int64(0)
	if v := q.Get("clock_range_min"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errs.New(errs.ExportInvalid, "clock_range_min must be an integer"))
			return
		}
		clockRangeMin = n
	}
	requesterEndpoint := q.Get("source_endpoint")

	payload, err := s.exporter.Export(r.Context(), wallets, clockRangeMin, requesterEndpoint)
	if err != nil {
		writeError(w, statusForKind(errs.KindOf(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, export.Envelope{Data: payload})
}

func (s *Server) handleClockStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	wallet := ps.ByName("wallet")
	clock, err := s.clockLog.LocalClock(r.Context(), wallet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"clock": clock})
}

type syncRequest struct {
	Wallet              []string `json:"wallet"`
	CreatorNodeEndpoint string   `json:"creator_node_endpoint"`
	BlockNumber         *int64   `json:"block_number,omitempty"`
	ForceResync         bool     `json:"force_resync,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errs.New(errs.ExportInvalid, "malformed request body"))
		return
	}
	if len(req.Wallet) == 0 {
		writeError(w, http.StatusBadRequest, errs.New(errs.ExportInvalid, "wallet is required"))
		return
	}

	jobID, err := s.queue.Enqueue(r.Context(), s.syncTaskName, map[string]interface{}{
		"job_id":               req.Wallet[0] + ":" + req.CreatorNodeEndpoint,
		"user_wallet":          req.Wallet[0],
		"source_peer_endpoint": req.CreatorNodeEndpoint,
		"block_number":         req.BlockNumber,
		"force_resync":         req.ForceResync,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID})
}

func (s *Server) handleStatus(statusFn statusLookup) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		requestID := r.URL.Query().Get("uuid")
		if requestID == "" {
			writeError(w, http.StatusBadRequest, errs.New(errs.ExportInvalid, "uuid is required"))
			return
		}
		status, result, errMsg, ok, err := statusFn(r.Context(), s.syncTaskName, requestID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, errs.New(errs.ExportInvalid, "no such job"))
			return
		}
		body := map[string]interface{}{"status": status}
		if len(result) > 0 {
			body["resp"] = json.RawMessage(result)
		}
		if errMsg != "" {
			body["error"] = errMsg
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	env := export.ErrorEnvelope{}
	env.Error.Kind = string(errs.KindOf(err))
	if env.Error.Kind == "" {
		env.Error.Kind = "Internal"
	}
	env.Error.Message = err.Error()
	writeJSON(w, status, env)
}

func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.NotAPeer:
		return http.StatusForbidden
	case errs.ExportInvalid:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

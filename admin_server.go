package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/breez/association-sync/config"
	"github.com/breez/association-sync/crm"
	"github.com/breez/association-sync/syncer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const maxContactBody = 1 << 20

type syncReply struct {
	Body      string `json:"body"`
	RunID     string `json:"runId"`
	State     string `json:"state"`
	ElapsedMs int64  `json:"elapsedMs"`
	Pages     int    `json:"pages"`
	Contacts  int    `json:"contacts"`
	Deleted   int64  `json:"deleted"`
	Inserted  int64  `json:"inserted"`
}

type contactReply struct {
	ContactID string `json:"contactId"`
	Deleted   int64  `json:"deleted"`
	Inserted  int64  `json:"inserted"`
}

type errorReply struct {
	Error  string `json:"error"`
	Page   int    `json:"page,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

func CreateServer(config *config.Config, runner *SyncRunner, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", runner.handleSync)
	mux.HandleFunc("/sync/contact", runner.handleSyncContact)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	handler := cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	}).Handler(mux)

	return &http.Server{
		Addr:              config.HttpListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (r *SyncRunner) handleSync(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorReply{Error: "method not allowed"})
		return
	}

	// the run outlives a client that stops waiting for it
	summary, err := r.Run(context.WithoutCancel(req.Context()))
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			writeJSON(w, http.StatusConflict, errorReply{Error: err.Error()})
			return
		}
		log.Printf("triggered sync failed: %v", err)
		reply := errorReply{Error: err.Error()}
		var runErr *syncer.RunError
		if errors.As(err, &runErr) {
			reply.Page = runErr.Page
			reply.Cursor = string(runErr.Cursor)
		}
		writeJSON(w, http.StatusInternalServerError, reply)
		return
	}

	writeJSON(w, http.StatusOK, syncReply{
		Body:      summary.String(),
		RunID:     summary.RunID.String(),
		State:     summary.State.String(),
		ElapsedMs: summary.Elapsed.Milliseconds(),
		Pages:     summary.Pages,
		Contacts:  summary.Contacts,
		Deleted:   summary.Deleted,
		Inserted:  summary.Inserted,
	})
}

// handleSyncContact replaces the edges of the contact in the request body,
// which has the shape of a contacts listing entry.
func (r *SyncRunner) handleSyncContact(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorReply{Error: "method not allowed"})
		return
	}

	var contact crm.Contact
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxContactBody)).Decode(&contact); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: fmt.Sprintf("invalid contact: %v", err)})
		return
	}
	if err := contact.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorReply{Error: err.Error()})
		return
	}

	result, err := r.syncer.SyncContact(context.WithoutCancel(req.Context()), contact)
	if err != nil {
		log.Printf("contact sync of %v failed: %v", contact.ID, err)
		writeJSON(w, http.StatusInternalServerError, errorReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, contactReply{ContactID: contact.ID, Deleted: result.Deleted, Inserted: result.Inserted})
}

func handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

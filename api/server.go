// Package api is the read-only ops surface of the engine: depth and
// order queries over HTTP, plus a websocket stream of executions. All
// writes enter through Kafka, never through here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"tradestream/domain/book"
	"tradestream/domain/order"
	"tradestream/infra/store"
	"tradestream/service"
)

type Server struct {
	svc    *service.MatchingService
	orders *store.Store
	router *mux.Router
	hub    *Hub
	log    *zap.Logger
}

func NewServer(svc *service.MatchingService, orders *store.Store, log *zap.Logger) *Server {
	s := &Server{
		svc:    svc,
		orders: orders,
		router: mux.NewRouter(),
		hub:    NewHub(log.Named("ws")),
		log:    log,
	}
	s.routes()
	return s
}

// Hub exposes the trade stream fan-out for wiring as an emitter tap.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/books", s.handleInstruments).Methods("GET")
	v1.HandleFunc("/books/{instrument}", s.handleDepth).Methods("GET")
	v1.HandleFunc("/orders/{id}", s.handleOrder).Methods("GET")

	s.router.HandleFunc("/ws", s.hub.serve)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.log.Info("api listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// -------------------- Handlers --------------------

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInstruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instruments": s.svc.Instruments()})
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	bids, asks, ok := s.svc.Depth(instrument)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown instrument")
		return
	}
	if bids == nil {
		bids = []book.Level{}
	}
	if asks == nil {
		asks = []book.Level{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instrument": instrument,
		"bids":       bids,
		"asks":       asks,
	})
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad order id")
		return
	}
	o, err := s.orders.Find(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.log.Error("order lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, orderView(o))
}

// -------------------- Encoding --------------------

type orderResponse struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	Instrument   string     `json:"ticker"`
	Side         string     `json:"side"`
	Kind         string     `json:"orderType"`
	TimeInForce  string     `json:"timeInForce"`
	Price        *string    `json:"price,omitempty"`
	OriginalQty  string     `json:"originalQuantity"`
	RemainingQty string     `json:"remainingQuantity"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func orderView(o *order.RestingOrder) orderResponse {
	resp := orderResponse{
		ID:           o.ID.String(),
		UserID:       o.UserID.String(),
		Instrument:   o.Instrument,
		Side:         string(o.Side),
		Kind:         string(o.Kind),
		TimeInForce:  string(o.TimeInForce),
		OriginalQty:  o.OriginalQty.String(),
		RemainingQty: o.RemainingQty.String(),
		Status:       string(o.Status),
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
	}
	if o.Price != nil {
		p := o.Price.String()
		resp.Price = &p
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

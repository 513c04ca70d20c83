// Package api serves the REST endpoints and the WebSocket stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/qiedex/pkg/book"
	"github.com/uhyunpark/qiedex/pkg/hub"
	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/matching"
	"github.com/uhyunpark/qiedex/pkg/orders"
	"github.com/uhyunpark/qiedex/pkg/pricefeed"
	"github.com/uhyunpark/qiedex/pkg/settlement"
	"github.com/uhyunpark/qiedex/pkg/util"
)

const (
	maxBodyBytes     = 1 << 20
	defaultTradesCap = 50
	requestTimeout   = 5 * time.Second
)

var defaultOrigins = []string{"http://localhost:3000", "http://localhost:3001"}

// Deps are the components the server reads from and drives.
type Deps struct {
	Markets *market.Registry
	Orders  *orders.Registry
	Engine  *matching.Engine
	Books   *book.Store
	Feed    *pricefeed.Cached
	Hub     *hub.Hub

	AllowedOrigins []string
	Clock          util.Clock
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	markets *market.Registry
	orders  *orders.Registry
	engine  *matching.Engine
	books   *book.Store
	feed    *pricefeed.Cached
	hub     *hub.Hub

	router  *mux.Router
	origins []string
	clock   util.Clock
	log     *zap.SugaredLogger
	started time.Time
}

func NewServer(d Deps) *Server {
	clock := d.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	s := &Server{
		markets: d.Markets,
		orders:  d.Orders,
		engine:  d.Engine,
		books:   d.Books,
		feed:    d.Feed,
		hub:     d.Hub,
		router:  mux.NewRouter(),
		origins: origins,
		clock:   clock,
		log:     util.OrNop(d.Logger),
		started: clock.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Pair endpoints
	api.HandleFunc("/pairs", s.handleGetPairs).Methods("GET")
	api.HandleFunc("/pairs/{symbol}", s.handleGetPair).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/price", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/pairs/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetAccountOrders).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{Status: "ok", Timestamp: s.clock.Now().UnixMilli()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ost := s.orders.Stats()
	hs := s.hub.Stats()
	respondJSON(w, StatsResponse{
		Connections:   hs.Connections,
		Subscriptions: hs.Subscriptions,
		PendingOrders: ost.Open + ost.Partial,
		CachedPrices:  len(s.feed.Snapshot()),
		Uptime:        s.clock.Now().Sub(s.started).Seconds(),
		Orders:        ost,
		Engine:        s.engine.Stats(),
		Hub:           hs,
	})
}

func (s *Server) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	list := s.markets.List()
	out := make([]PairInfo, len(list))
	for i, p := range list {
		out[i] = pairInfo(p)
	}
	respondJSON(w, out)
}

// pairParam resolves {symbol}, accepting "QIE-USDT" or an escaped "QIE/USDT".
func (s *Server) pairParam(w http.ResponseWriter, r *http.Request) (market.Params, bool) {
	pair, err := market.ParsePair(mux.Vars(r)["symbol"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_pair", err.Error())
		return market.Params{}, false
	}
	p, err := s.markets.Get(pair)
	if err != nil {
		respondErr(w, err)
		return market.Params{}, false
	}
	return p, true
}

func (s *Server) handleGetPair(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pairParam(w, r)
	if !ok {
		return
	}
	respondJSON(w, pairInfo(p))
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pairParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	snap, err := s.books.Get(ctx, p.Pair)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pairParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	q, err := s.feed.Price(ctx, p.Pair)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, q)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pairParam(w, r)
	if !ok {
		return
	}
	limit := defaultTradesCap
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	trades := s.engine.Tape.Recent(p.Pair, limit)
	if trades == nil {
		trades = []matching.Trade{}
	}
	respondJSON(w, TradesResponse{Pair: p.Pair.String(), Trades: trades})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var spec orders.Spec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&spec); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	o, err := s.engine.Submit(r.Context(), spec)
	if err != nil {
		if o.ID == "" {
			respondErr(w, err)
			return
		}
		// A market order that reached settlement and did not fill.
		status, code := "failed", statusFor(err)
		switch {
		case !o.Status.Terminal():
			status, code = "pending", http.StatusAccepted
		case errors.Is(err, settlement.ErrUnconfirmed):
			status = "unconfirmed"
		}
		s.log.Warnw("order_not_filled", "order_id", o.ID, "status", status, "err", err)
		writeJSON(w, code, SubmitOrderResponse{Status: status, Order: o, Error: err.Error()})
		return
	}

	status := "accepted"
	if o.Status == orders.StatusFilled {
		status = "filled"
	}
	s.log.Infow("order_submitted", "order_id", o.ID, "owner", o.Owner, "pair", o.Pair, "kind", o.Kind, "status", o.Status)
	writeJSON(w, http.StatusCreated, SubmitOrderResponse{Status: status, Order: o})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.orders.Get(mux.Vars(r)["id"])
	if !ok {
		respondErr(w, orders.ErrNotFound)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Address == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "address is required")
		return
	}

	o, err := s.engine.Cancel(mux.Vars(r)["id"], req.Address)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.log.Infow("order_cancelled", "order_id", o.ID, "owner", o.Owner)
	respondJSON(w, o)
}

func (s *Server) handleGetAccountOrders(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	status := orders.Status(r.URL.Query().Get("status"))

	list := s.orders.ByOwner(address)
	out := make([]orders.Order, 0, len(list))
	for _, o := range list {
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	respondJSON(w, OrdersResponse{Address: orders.NormalizeOwner(address), Orders: out})
}

// ==============================
// Helper Functions
// ==============================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusFor(err), errorCode(err), err.Error())
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case orders.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, market.ErrUnknownPair):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrOrderInFlight):
		return http.StatusConflict
	case errors.Is(err, pricefeed.ErrNotAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, settlement.ErrSettlementFailed):
		return http.StatusBadGateway
	case errors.Is(err, settlement.ErrUnconfirmed):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return "invalid_order"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "order_in_flight"
	case http.StatusServiceUnavailable:
		return "price_unavailable"
	case http.StatusBadGateway:
		return "settlement_failed"
	case http.StatusGatewayTimeout:
		return "settlement_unconfirmed"
	default:
		return "internal_error"
	}
}

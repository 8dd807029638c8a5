package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"auction-engine/internal/apperr"
	"auction-engine/internal/engine"
	"auction-engine/internal/model"
	"auction-engine/internal/ws"
)

type Server struct {
	manager *engine.Manager
	hub     *ws.Hub
	metrics http.Handler
	secret  []byte
	log     *zap.Logger
}

// NewServer wires the HTTP surface over mgr. A nil metrics handler serves
// the default Prometheus registry.
func NewServer(mgr *engine.Manager, hub *ws.Hub, metrics http.Handler, secret string, log *zap.Logger) *Server {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{manager: mgr, hub: hub, metrics: metrics, secret: []byte(secret), log: log}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(s.authMiddleware)

		// Auctions
		r.Get("/api/auctions", s.listAuctions)
		r.Post("/api/auctions", s.createAuction)
		r.Get("/api/auctions/{id}", s.getAuction)
		r.Post("/api/auctions/{id}/submit", s.submitAuction)
		r.Post("/api/auctions/{id}/cancel", s.cancelAuction)
		r.Get("/api/auctions/{id}/events", s.listEvents)

		// Qualification
		r.Post("/api/auctions/{id}/qualify", s.qualify)
		r.Get("/api/auctions/{id}/deposit", s.getDeposit)

		// Bidding
		r.Get("/api/auctions/{id}/bids", s.listBids)
		r.Post("/api/auctions/{id}/bids", s.placeBid)
		r.Post("/api/auctions/{id}/sealed-bids", s.submitSealedBid)
		r.Post("/api/auctions/{id}/buy-now", s.buyNow)
		r.Get("/api/auctions/{id}/auto-bid", s.getAutoBid)
		r.Put("/api/auctions/{id}/auto-bid", s.setAutoBid)
		r.Delete("/api/auctions/{id}/auto-bid", s.pauseAutoBid)
		r.Post("/api/auctions/{id}/watch", s.toggleWatch)

		// Participation
		r.Get("/api/my-bids", s.myBids)
		r.Get("/api/my-bids/watching", s.watching)
		r.Get("/api/dashboard/stats", s.dashboardStats)

		// Wallet
		r.Get("/api/wallet", s.getWallet)
		r.Get("/api/wallet/transactions", s.listWalletTransactions)
		r.Post("/api/wallet/withdraw", s.withdraw)

		// Orders
		r.Get("/api/orders", s.listOrders)
		r.Get("/api/orders/{id}", s.getOrder)
		r.Post("/api/orders/{id}/pay", s.orderAction(s.manager.PayOrder))
		r.Post("/api/orders/{id}/ship", s.orderAction(s.manager.MarkShipped))
		r.Post("/api/orders/{id}/deliver", s.orderAction(s.manager.MarkDelivered))
		r.Post("/api/orders/{id}/confirm", s.orderAction(s.manager.ConfirmReceipt))
		r.Post("/api/orders/{id}/return", s.requestReturn)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/auctions/{id}/emergency-stop", s.emergencyStop)
			r.Get("/api/admin/auctions/{id}/deposits", s.listDeposits)
			r.Post("/api/admin/orders/{id}/resolve", s.resolveReturn)
			r.Post("/api/admin/wallets/{userID}/funds", s.addFunds)
		})
	})

	return r
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

// authMiddleware verifies an HS256 bearer token. The sub claim is the
// caller's user id and role grants admin routes.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		if userID == "" {
			jsonErr(w, 401, "token has no subject")
			return
		}
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserID).(string)
	return uid
}

func isAdmin(r *http.Request) bool {
	role, _ := r.Context().Value(ctxRole).(string)
	return role == string(model.RoleAdmin)
}

// ── Auctions ─────────────────────────────────────────

func (s *Server) listAuctions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.AuctionFilter{SellerID: q.Get("seller_id"), Limit: limitParam(r, 50, 200)}
	if st := q.Get("status"); st != "" {
		for _, v := range strings.Split(st, ",") {
			f.Statuses = append(f.Statuses, model.AuctionStatus(strings.TrimSpace(v)))
		}
	}
	auctions, err := s.manager.ListAuctions(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if auctions == nil {
		auctions = []model.Auction{}
	}
	json200(w, auctions)
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAuctionParams
	if !decode(w, r, &req) {
		return
	}
	a, err := s.manager.CreateAuction(r.Context(), caller(r), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	json201(w, a)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.manager.GetAuction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	watching, err := s.manager.IsWatching(r.Context(), a.ID, caller(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, map[string]any{"auction": a, "is_watching": watching})
}

func (s *Server) submitAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.manager.SubmitAuction(r.Context(), chi.URLParam(r, "id"), caller(r))
	respond(s, w, a, err)
}

func (s *Server) cancelAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.manager.CancelAuction(r.Context(), chi.URLParam(r, "id"), caller(r))
	respond(s, w, a, err)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.manager.ListEvents(r.Context(), chi.URLParam(r, "id"), limitParam(r, 100, 500))
	if err != nil {
		s.fail(w, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	json200(w, evs)
}

// ── Qualification ────────────────────────────────────

func (s *Server) qualify(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Qualify(r.Context(), chi.URLParam(r, "id"), caller(r))
	respond(s, w, res, err)
}

func (s *Server) getDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := s.manager.GetDeposit(r.Context(), chi.URLParam(r, "id"), caller(r))
	respond(s, w, d, err)
}

// ── Bidding ──────────────────────────────────────────

type amountReq struct {
	Amount int64 `json:"amount"`
}

func (s *Server) listBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.manager.ListBids(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if bids == nil {
		bids = []model.Bid{}
	}
	json200(w, bids)
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	var req amountReq
	if !decode(w, r, &req) {
		return
	}
	res, err := s.manager.PlaceBid(r.Context(), chi.URLParam(r, "id"), caller(r), req.Amount)
	respond(s, w, res, err)
}

func (s *Server) submitSealedBid(w http.ResponseWriter, r *http.Request) {
	var req amountReq
	if !decode(w, r, &req) {
		return
	}
	b, err := s.manager.SubmitSealedBid(r.Context(), chi.URLParam(r, "id"), caller(r), req.Amount)
	respond(s, w, b, err)
}

func (s *Server) buyNow(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.BuyNow(r.Context(), chi.URLParam(r, "id"), caller(r))
	respond(s, w, res, err)
}

func (s *Server) getAutoBid(w http.ResponseWriter, r *http.Request) {
	ab, err := s.manager.GetAutoBid(r.Context(), chi.URLParam(r, "id"), caller(r))
	respond(s, w, ab, err)
}

func (s *Server) setAutoBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAmount       int64  `json:"max_amount"`
		IncrementAmount *int64 `json:"increment_amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	ab, err := s.manager.SetAutoBid(r.Context(), chi.URLParam(r, "id"), caller(r), req.MaxAmount, req.IncrementAmount)
	respond(s, w, ab, err)
}

func (s *Server) pauseAutoBid(w http.ResponseWriter, r *http.Request) {
	ab, err := s.manager.PauseAutoBid(r.Context(), chi.URLParam(r, "id"), caller(r))
	respond(s, w, ab, err)
}

func (s *Server) toggleWatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.ToggleWatch(r.Context(), chi.URLParam(r, "id"), caller(r))
	respond(s, w, res, err)
}

// ── Participation ────────────────────────────────────

func (s *Server) myBids(w http.ResponseWriter, r *http.Request) {
	var ended bool
	switch st := r.URL.Query().Get("status"); st {
	case "", "active":
	case "ended":
		ended = true
	default:
		jsonErrCode(w, 400, apperr.ErrInvalidInput.Code, "status must be active or ended")
		return
	}
	mine, err := s.manager.MyBids(r.Context(), caller(r), ended)
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, mine)
}

func (s *Server) watching(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.manager.WatchedAuctions(r.Context(), caller(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if auctions == nil {
		auctions = []model.Auction{}
	}
	json200(w, auctions)
}

func (s *Server) dashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.DashboardStats(r.Context(), caller(r))
	respond(s, w, stats, err)
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.manager.GetWallet(r.Context(), caller(r))
	respond(s, w, wallet, err)
}

func (s *Server) listWalletTransactions(w http.ResponseWriter, r *http.Request) {
	legs, err := s.manager.ListWalletTransactions(r.Context(), caller(r), limitParam(r, 100, 500))
	if err != nil {
		s.fail(w, err)
		return
	}
	if legs == nil {
		legs = []model.WalletTransaction{}
	}
	json200(w, legs)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req amountReq
	if !decode(w, r, &req) {
		return
	}
	wallet, err := s.manager.Withdraw(r.Context(), caller(r), req.Amount)
	respond(s, w, wallet, err)
}

// ── Orders ───────────────────────────────────────────

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.manager.ListOrders(r.Context(), caller(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	d, err := s.manager.GetOrder(r.Context(), chi.URLParam(r, "id"), caller(r), isAdmin(r))
	respond(s, w, d, err)
}

func (s *Server) orderAction(fn func(ctx context.Context, orderID, userID string) (*engine.OrderDetail, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := fn(r.Context(), chi.URLParam(r, "id"), caller(r))
		respond(s, w, d, err)
	}
}

func (s *Server) requestReturn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	d, err := s.manager.RequestReturn(r.Context(), chi.URLParam(r, "id"), caller(r), req.Reason)
	respond(s, w, d, err)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.manager.EmergencyStop(r.Context(), chi.URLParam(r, "id"), req.Reason)
	respond(s, w, a, err)
}

func (s *Server) listDeposits(w http.ResponseWriter, r *http.Request) {
	deps, err := s.manager.ListDeposits(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if deps == nil {
		deps = []model.Deposit{}
	}
	json200(w, deps)
}

func (s *Server) resolveReturn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refund bool `json:"refund"`
	}
	if !decode(w, r, &req) {
		return
	}
	d, err := s.manager.ResolveReturn(r.Context(), chi.URLParam(r, "id"), req.Refund)
	respond(s, w, d, err)
}

func (s *Server) addFunds(w http.ResponseWriter, r *http.Request) {
	var req amountReq
	if !decode(w, r, &req) {
		return
	}
	wallet, err := s.manager.AddFunds(r.Context(), chi.URLParam(r, "userID"), req.Amount)
	respond(s, w, wallet, err)
}

// ── Helpers ──────────────────────────────────────────

func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindState:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error. Internal errors are logged and their
// detail is kept from the client.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			jsonErrCode(w, http.StatusServiceUnavailable, "timeout", "request timed out")
			return
		}
		s.log.Error("request failed", zap.Error(err))
		jsonErrCode(w, code, apperr.CodeOf(err), "internal error")
		return
	}
	jsonErrCode(w, code, apperr.CodeOf(err), err.Error())
}

func respond[T any](s *Server, w http.ResponseWriter, v *T, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonErrCode(w, 400, apperr.ErrInvalidInput.Code, "invalid json")
		return false
	}
	return true
}

func limitParam(r *http.Request, def, max int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= max {
		return n
	}
	return def
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func json201(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonErrCode(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}

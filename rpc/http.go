package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SiddharthManjul/BondMM-A/native/bondmm"
	"github.com/SiddharthManjul/BondMM-A/observability"
)

const requestLimit = 1 << 20 // 1 MiB

// Server exposes the pool engine over HTTP: a read-only query surface plus
// the mutating operations, with JSON bodies throughout.
type Server struct {
	engine  *bondmm.Engine
	metrics *observability.PoolMetrics
}

// NewServer wraps an engine in the HTTP surface.
func NewServer(engine *bondmm.Engine) *Server {
	return &Server{engine: engine, metrics: observability.Metrics()}
}

// Router mounts all routes and returns the handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool", s.getPool)
		r.Get("/rate", s.getRate)
		r.Get("/solvency", s.getSolvency)
		r.Get("/positions/{id}", s.getPosition)
		r.Post("/initialize", s.postInitialize)
		r.Post("/lend", s.postLend)
		r.Post("/borrow", s.postBorrow)
		r.Post("/redeem", s.postRedeem)
		r.Post("/repay", s.postRepay)
		r.Post("/liquidate", s.postLiquidate)
	})

	return r
}

type poolResponse struct {
	Cash           string `json:"cash"`
	PVBonds        string `json:"pvBonds"`
	NetLiabilities string `json:"netLiabilities"`
	InitialCash    string `json:"initialCash"`
	LastUpdateTime int64  `json:"lastUpdateTime"`
	NextPositionID uint64 `json:"nextPositionId"`
}

type positionResponse struct {
	ID         uint64 `json:"id"`
	Owner      string `json:"owner"`
	FaceValue  string `json:"faceValue"`
	Maturity   int64  `json:"maturity"`
	Collateral string `json:"collateral"`
	InitialPV  string `json:"initialPV"`
	CreatedAt  int64  `json:"createdAt"`
	IsBorrow   bool   `json:"isBorrow"`
	Active     bool   `json:"active"`
}

type tradeRequest struct {
	Owner      string `json:"owner"`
	Amount     string `json:"amount"`
	Collateral string `json:"collateral,omitempty"`
	Maturity   int64  `json:"maturity,omitempty"`
}

type closeRequest struct {
	Caller     string `json:"caller"`
	PositionID uint64 `json:"positionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// statusForError maps the engine's sentinel taxonomy onto HTTP codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, bondmm.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, bondmm.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, bondmm.ErrOracleStale):
		return http.StatusServiceUnavailable
	case errors.Is(err, bondmm.ErrLiquidity):
		return http.StatusConflict
	case errors.Is(err, bondmm.ErrSolvency):
		return http.StatusConflict
	case errors.Is(err, bondmm.ErrArithmetic):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// categoryForError labels errors for the metrics registry.
func categoryForError(err error) string {
	switch {
	case errors.Is(err, bondmm.ErrValidation):
		return "validation"
	case errors.Is(err, bondmm.ErrAuthorization):
		return "authorization"
	case errors.Is(err, bondmm.ErrOracleStale):
		return "oracle"
	case errors.Is(err, bondmm.ErrLiquidity):
		return "liquidity"
	case errors.Is(err, bondmm.ErrSolvency):
		return "solvency"
	case errors.Is(err, bondmm.ErrArithmetic):
		return "arithmetic"
	default:
		return "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, operation string, err error) {
	s.metrics.CountError(operation, categoryForError(err))
	writeJSON(w, statusForError(err), errorResponse{Error: err.Error()})
}

func (s *Server) observe(operation string, start time.Time, failed bool) {
	outcome := "ok"
	if failed {
		outcome = "error"
	}
	s.metrics.ObserveOperation(operation, outcome, time.Since(start))
}

func decodeBody(r *http.Request, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	return json.NewDecoder(io.LimitReader(r.Body, requestLimit)).Decode(dst)
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errors.New("invalid hex address")
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.New("invalid decimal amount")
	}
	return v, nil
}

func poolPayload(pool *bondmm.PoolState) poolResponse {
	return poolResponse{
		Cash:           pool.Cash.String(),
		PVBonds:        pool.PVBonds.String(),
		NetLiabilities: pool.NetLiabilities.String(),
		InitialCash:    pool.InitialCash.String(),
		LastUpdateTime: pool.LastUpdateTime,
		NextPositionID: pool.NextPositionID,
	}
}

func positionPayload(pos *bondmm.Position) positionResponse {
	return positionResponse{
		ID:         pos.ID,
		Owner:      pos.Owner.Hex(),
		FaceValue:  pos.FaceValue.String(),
		Maturity:   pos.Maturity,
		Collateral: pos.Collateral.String(),
		InitialPV:  pos.InitialPV.String(),
		CreatedAt:  pos.CreatedAt,
		IsBorrow:   pos.IsBorrow,
		Active:     pos.Active,
	}
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pool, err := s.engine.PoolSnapshot()
	if err != nil {
		s.observe("pool", start, true)
		s.writeError(w, "pool", err)
		return
	}
	s.observe("pool", start, false)
	writeJSON(w, http.StatusOK, poolPayload(pool))
}

func (s *Server) getRate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rate, err := s.engine.CurrentRate()
	if err != nil {
		s.observe("rate", start, true)
		s.writeError(w, "rate", err)
		return
	}
	s.observe("rate", start, false)
	writeJSON(w, http.StatusOK, map[string]string{"rate": rate.String()})
}

func (s *Server) getSolvency(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	solvent, err := s.engine.CheckSolvency()
	if err != nil {
		s.observe("solvency", start, true)
		s.writeError(w, "solvency", err)
		return
	}
	s.observe("solvency", start, false)
	writeJSON(w, http.StatusOK, map[string]bool{"solvent": solvent})
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.observe("position", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid position id"})
		return
	}
	pos, err := s.engine.GetPosition(id)
	if err != nil {
		s.observe("position", start, true)
		s.writeError(w, "position", err)
		return
	}
	s.observe("position", start, false)
	writeJSON(w, http.StatusOK, positionPayload(pos))
}

func (s *Server) postInitialize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := tradeRequest{}
	if err := decodeBody(r, &req); err != nil {
		s.observe("initialize", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	funder, err := parseAddress(req.Owner)
	if err != nil {
		s.observe("initialize", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.observe("initialize", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.engine.Initialize(funder, amount); err != nil {
		s.observe("initialize", start, true)
		s.writeError(w, "initialize", err)
		return
	}
	s.observe("initialize", start, false)
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

func (s *Server) postLend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := tradeRequest{}
	if err := decodeBody(r, &req); err != nil {
		s.observe("lend", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		s.observe("lend", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.observe("lend", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	pos, err := s.engine.Lend(owner, amount, req.Maturity)
	if err != nil {
		s.observe("lend", start, true)
		s.writeError(w, "lend", err)
		return
	}
	s.observe("lend", start, false)
	writeJSON(w, http.StatusOK, positionPayload(pos))
}

func (s *Server) postBorrow(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req := tradeRequest{}
	if err := decodeBody(r, &req); err != nil {
		s.observe("borrow", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	owner, err := parseAddress(req.Owner)
	if err != nil {
		s.observe("borrow", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.observe("borrow", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	collateral, err := parseAmount(req.Collateral)
	if err != nil {
		s.observe("borrow", start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	pos, err := s.engine.Borrow(owner, amount, collateral, req.Maturity)
	if err != nil {
		s.observe("borrow", start, true)
		s.writeError(w, "borrow", err)
		return
	}
	s.observe("borrow", start, false)
	writeJSON(w, http.StatusOK, positionPayload(pos))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, operation string,
	invoke func(common.Address, uint64) (*big.Int, error), resultKey string) {
	start := time.Now()
	req := closeRequest{}
	if err := decodeBody(r, &req); err != nil {
		s.observe(operation, start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		s.observe(operation, start, true)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	amount, err := invoke(caller, req.PositionID)
	if err != nil {
		s.observe(operation, start, true)
		s.writeError(w, operation, err)
		return
	}
	s.observe(operation, start, false)
	writeJSON(w, http.StatusOK, map[string]string{resultKey: amount.String()})
}

func (s *Server) postRedeem(w http.ResponseWriter, r *http.Request) {
	s.handleClose(w, r, "redeem", s.engine.Redeem, "payout")
}

func (s *Server) postRepay(w http.ResponseWriter, r *http.Request) {
	s.handleClose(w, r, "repay", s.engine.Repay, "repayAmount")
}

func (s *Server) postLiquidate(w http.ResponseWriter, r *http.Request) {
	s.handleClose(w, r, "liquidate", s.engine.Liquidate, "collateralSeized")
}

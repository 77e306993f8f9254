package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/persistence"
)

type envelope struct {
	Data interface{} `json:"data"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

// parseLimit reads a "limit" query parameter with a default and hard cap
// (spec §6's per-route limit table).
func parseLimit(r *http.Request, def, cap int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errInvalid("limit")
	}
	if n > cap {
		n = cap
	}
	return n, nil
}

func parseTimeRange(r *http.Request) (persistence.TimeRange, error) {
	var tr persistence.TimeRange
	if raw := r.URL.Query().Get("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, errInvalid("start")
		}
		tr.From = t
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return tr, errInvalid("end")
		}
		tr.To = t
	}
	return tr, nil
}

type invalidParamError struct{ param string }

func (e invalidParamError) Error() string { return "invalid parameter: " + e.param }

func errInvalid(param string) error { return invalidParamError{param: param} }

// handleCandles implements GET /candles.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchange := q.Get("exchange")
	marketID := q.Get("marketId")
	interval := q.Get("interval")

	if exchange == "" || marketID == "" || interval == "" {
		writeError(w, http.StatusBadRequest, "exchange, marketId, and interval are required")
		return
	}
	switch model.Interval(interval) {
	case model.Interval1s, model.Interval1m, model.Interval1h:
	default:
		writeError(w, http.StatusBadRequest, "interval must be one of 1s, 1m, 1h")
		return
	}

	limit, err := parseLimit(r, 1000, 5000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tr, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	candles, err := s.gw.QueryCandles(r.Context(), persistence.CandleQuery{
		Exchange: model.Exchange(exchange),
		MarketID: marketID,
		Interval: model.Interval(interval),
		Range:    tr,
		Limit:    limit,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("query candles failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeData(w, candles)
}

// handleCandleMarkets implements GET /candles/markets.
func (s *Server) handleCandleMarkets(w http.ResponseWriter, r *http.Request) {
	s.listMarkets(w, r)
}

// handleTradeMarkets implements GET /trades/markets.
func (s *Server) handleTradeMarkets(w http.ResponseWriter, r *http.Request) {
	s.listMarkets(w, r)
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	var exchange *model.Exchange
	if raw := r.URL.Query().Get("exchange"); raw != "" {
		e := model.Exchange(raw)
		exchange = &e
	}

	markets, err := s.gw.ListMarkets(r.Context(), exchange)
	if err != nil {
		s.log.Error().Err(err).Msg("list markets failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeData(w, markets)
}

// handleTrades implements GET /trades.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	exchange := q.Get("exchange")
	marketID := q.Get("marketId")
	if exchange == "" || marketID == "" {
		writeError(w, http.StatusBadRequest, "exchange and marketId are required")
		return
	}

	var side *model.Side
	if raw := q.Get("side"); raw != "" {
		switch model.Side(raw) {
		case model.Buy, model.Sell:
			s := model.Side(raw)
			side = &s
		default:
			writeError(w, http.StatusBadRequest, "side must be buy or sell")
			return
		}
	}

	limit, err := parseLimit(r, 100, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tr, err := parseTimeRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trades, err := s.gw.QueryTrades(r.Context(), persistence.TradeQuery{
		Exchange: model.Exchange(exchange),
		MarketID: marketID,
		Side:     side,
		Range:    tr,
		Limit:    limit,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("query trades failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeData(w, trades)
}

// handleTradesLatest implements GET /trades/latest.
func (s *Server) handleTradesLatest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var exchange model.Exchange
	if raw := q.Get("exchange"); raw != "" {
		exchange = model.Exchange(raw)
	}

	limit, err := parseLimit(r, 50, 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	trades, err := s.gw.QueryTrades(r.Context(), persistence.TradeQuery{
		Exchange: exchange,
		Limit:    limit,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("query latest trades failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeData(w, trades)
}

type healthBody struct {
	Status string `json:"status"`
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.gw.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthBody{Status: "ok"})
}

// handleStats implements GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeError(w, http.StatusNotFound, "not found")
}

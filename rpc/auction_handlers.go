package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"auctionchain/core"
	"auctionchain/core/state"
	"auctionchain/core/types"
	"auctionchain/crypto"
	"auctionchain/native/auction"
	"auctionchain/native/common"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type auctionOpenParams struct {
	Deadline *int64 `json:"deadline,omitempty"`
	Duration string `json:"duration,omitempty"`
	Nonce    uint64 `json:"nonce"`
}

type auctionBidParams struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

type auctionIDParams struct {
	ID string `json:"id"`
}

type auctionBidQueryParams struct {
	ID     string `json:"id"`
	Bidder string `json:"bidder"`
}

type auctionEventsParams struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type ledgerAddressParams struct {
	Address string `json:"address"`
}

type ledgerCreditParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// AuctionJSON is the wire form of an auction record.
type AuctionJSON struct {
	ID            string `json:"id"`
	Seller        string `json:"seller"`
	Treasury      string `json:"treasury"`
	Deadline      int64  `json:"deadline"`
	Stage         string `json:"stage"`
	HighestBidder string `json:"highestBidder,omitempty"`
	HighestBid    string `json:"highestBid"`
	CreatedAt     int64  `json:"createdAt"`
	BidCount      uint64 `json:"bidCount"`
	Version       uint64 `json:"version"`
}

// BidJSON is the wire form of a bid record.
type BidJSON struct {
	AuctionID   string `json:"auctionId"`
	Bidder      string `json:"bidder"`
	Amount      string `json:"amount"`
	PlacedAt    int64  `json:"placedAt"`
	RefundedAt  int64  `json:"refundedAt,omitempty"`
	Outstanding bool   `json:"outstanding"`
}

// AuditJSON reports the escrow conservation check of one auction.
type AuditJSON struct {
	Treasury    string `json:"treasury"`
	Outstanding string `json:"outstanding"`
}

// BalanceJSON describes a ledger account.
type BalanceJSON struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func formatAuctionID(id [32]byte) string { return hex.EncodeToString(id[:]) }

func parseAuctionID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid auction id: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("invalid auction id length %d", len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func formatAddress(addr [20]byte) string { return crypto.AddressFromArray(addr).String() }

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func auctionToJSON(a *auction.Auction) AuctionJSON {
	out := AuctionJSON{
		ID:         formatAuctionID(a.ID),
		Seller:     formatAddress(a.Seller),
		Treasury:   formatAddress(state.AuctionTreasuryAddress(a.ID)),
		Deadline:   a.Deadline,
		Stage:      a.Stage.String(),
		HighestBid: formatAmount(a.Highest.Amount),
		CreatedAt:  a.CreatedAt,
		BidCount:   a.BidCount,
		Version:    a.Version,
	}
	if !a.Highest.IsZero() {
		out.HighestBidder = formatAddress(a.Highest.Bidder)
	}
	return out
}

func bidToJSON(b *auction.Bid, a *auction.Auction) BidJSON {
	return BidJSON{
		AuctionID:   formatAuctionID(b.AuctionID),
		Bidder:      formatAddress(b.Bidder),
		Amount:      formatAmount(b.Amount),
		PlacedAt:    b.PlacedAt,
		RefundedAt:  b.RefundedAt,
		Outstanding: b.Outstanding(a),
	}
}

// errorStatus maps node errors onto an HTTP status and JSON-RPC code.
func errorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, common.ErrModulePaused):
		return http.StatusServiceUnavailable, codePaused
	case auction.IsFatal(err):
		return http.StatusInternalServerError, codeLedgerFatal
	case errors.Is(err, auction.ErrAuctionNotFound), errors.Is(err, auction.ErrBidNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, core.ErrTreasuryAccount), errors.Is(err, core.ErrInvalidDuration),
		errors.Is(err, state.ErrInvalidAmount), errors.Is(err, state.ErrBalanceOverflow):
		return http.StatusBadRequest, codeInvalidParams
	}
	switch auction.ClassOf(err) {
	case auction.ClassScheduling:
		return http.StatusBadRequest, codeScheduling
	case auction.ClassBid:
		return http.StatusBadRequest, codeBid
	case auction.ClassAuthorization:
		return http.StatusForbidden, codeAuthorization
	case auction.ClassFunds:
		return http.StatusBadRequest, codeFunds
	case auction.ClassState:
		return http.StatusConflict, codeState
	}
	return http.StatusInternalServerError, codeServerError
}

func (s *Server) writeNodeError(w http.ResponseWriter, id interface{}, err error) {
	status, code := errorStatus(err)
	var data interface{}
	if c := auction.CodeOf(err); c != "" {
		data = c
	}
	writeError(w, status, id, code, err.Error(), data)
}

func decodeParams(raw []byte, out interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("parameters required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func singleParam(req *RPCRequest) []byte {
	if len(req.Params) != 1 {
		return nil
	}
	return req.Params[0]
}

// signedParams authenticates the request and decodes the signed payload into
// out. It writes the error response itself and reports whether to continue.
func (s *Server) signedParams(w http.ResponseWriter, r *http.Request, req *RPCRequest, out interface{}) ([20]byte, bool) {
	caller, payload, status, rpcErr := s.authenticate(r, req)
	if rpcErr != nil {
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return caller, false
	}
	if err := decodeParams(payload, out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid payload", err.Error())
		return caller, false
	}
	return caller, true
}

func (s *Server) handleAuctionOpen(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params auctionOpenParams
	seller, ok := s.signedParams(w, r, req, &params)
	if !ok {
		return
	}
	var (
		opened *auction.Auction
		err    error
	)
	switch {
	case params.Deadline != nil && params.Duration != "":
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "deadline and duration are mutually exclusive", nil)
		return
	case params.Deadline != nil:
		opened, err = s.node.AuctionOpen(r.Context(), seller, *params.Deadline, params.Nonce)
	case params.Duration != "":
		duration, parseErr := time.ParseDuration(params.Duration)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid duration", parseErr.Error())
			return
		}
		opened, err = s.node.AuctionOpenFor(r.Context(), seller, duration, params.Nonce)
	default:
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "deadline or duration required", nil)
		return
	}
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, auctionToJSON(opened))
}

func (s *Server) handleAuctionBid(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params auctionBidParams
	bidder, ok := s.signedParams(w, r, req, &params)
	if !ok {
		return
	}
	id, err := parseAuctionID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	bid, err := s.node.AuctionBid(r.Context(), id, bidder, amount)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bidToJSON(bid, nil))
}

type auctionAction func(s *Server, r *http.Request, id [32]byte, caller [20]byte) error

func (s *Server) handleAuctionAction(w http.ResponseWriter, r *http.Request, req *RPCRequest, action auctionAction) {
	var params auctionIDParams
	caller, ok := s.signedParams(w, r, req, &params)
	if !ok {
		return
	}
	id, err := parseAuctionID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := action(s, r, id, caller); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleAuctionSettle(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleAuctionAction(w, r, req, func(s *Server, r *http.Request, id [32]byte, caller [20]byte) error {
		return s.node.AuctionSettle(r.Context(), id, caller)
	})
}

func (s *Server) handleAuctionRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleAuctionAction(w, r, req, func(s *Server, r *http.Request, id [32]byte, caller [20]byte) error {
		return s.node.AuctionRefund(r.Context(), id, caller)
	})
}

func (s *Server) handleAuctionCloseUnsold(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleAuctionAction(w, r, req, func(s *Server, r *http.Request, id [32]byte, caller [20]byte) error {
		return s.node.AuctionCloseUnsold(r.Context(), id, caller)
	})
}

func (s *Server) auctionIDParam(w http.ResponseWriter, req *RPCRequest) ([32]byte, bool) {
	var params auctionIDParams
	if err := decodeParams(singleParam(req), &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return [32]byte{}, false
	}
	id, err := parseAuctionID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return id, false
	}
	return id, true
}

func (s *Server) handleAuctionGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.auctionIDParam(w, req)
	if !ok {
		return
	}
	a, err := s.node.AuctionGet(id)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, auctionToJSON(a))
}

func (s *Server) handleAuctionGetBid(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params auctionBidQueryParams
	if err := decodeParams(singleParam(req), &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return
	}
	id, err := parseAuctionID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	bidder, err := crypto.ParseAddress(params.Bidder)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid bidder", err.Error())
		return
	}
	bid, a, err := s.node.AuctionBidGet(id, bidder)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, bidToJSON(bid, a))
}

func (s *Server) handleAuctionBidders(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	id, ok := s.auctionIDParam(w, req)
	if !ok {
		return
	}
	bidders, err := s.node.AuctionBidders(id)
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	out := make([]string, len(bidders))
	for i, bidder := range bidders {
		out[i] = formatAddress(bidder)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleAuctionList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	ids, err := s.node.AuctionList()
	if err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = formatAuctionID(id)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleAuctionAudit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	id, ok := s.auctionIDParam(w, req)
	if !ok {
		return
	}
	report, err := s.node.AuctionAudit(r.Context(), id)
	if err != nil {
		status, code := errorStatus(err)
		var data interface{}
		if report != nil {
			data = AuditJSON{Treasury: formatAmount(report.Treasury), Outstanding: formatAmount(report.Outstanding)}
		}
		writeError(w, status, req.ID, code, err.Error(), data)
		return
	}
	writeResult(w, req.ID, AuditJSON{Treasury: formatAmount(report.Treasury), Outstanding: formatAmount(report.Outstanding)})
}

func (s *Server) handleAuctionEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params auctionEventsParams
	if raw := singleParam(req); raw != nil {
		if err := decodeParams(raw, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameters", err.Error())
			return
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	filter := ""
	var idPtr *[32]byte
	if strings.TrimSpace(params.ID) != "" {
		id, err := parseAuctionID(params.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
		filter = formatAuctionID(id)
		idPtr = &id
	}
	var evts []*types.Event
	if s.cfg.EventLog != nil {
		var err error
		evts, err = s.cfg.EventLog.Recent(r.Context(), filter, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to query event log", err.Error())
			return
		}
	} else {
		evts = s.node.RecentEvents(idPtr, limit)
	}
	if evts == nil {
		evts = []*types.Event{}
	}
	writeResult(w, req.ID, evts)
}

func (s *Server) handleLedgerBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params ledgerAddressParams
	if err := decodeParams(singleParam(req), &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return
	}
	addr, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	account, err := s.node.GetAccount(addr)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "failed to load account", err.Error())
		return
	}
	writeResult(w, req.ID, BalanceJSON{Address: formatAddress(addr), Balance: formatAmount(account.Balance), Nonce: account.Nonce})
}

func (s *Server) handleLedgerCredit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if err := s.admin.require(r, ScopeLedgerCredit); err != nil {
		s.logger.WarnContext(r.Context(), "rejected admin credential", "requestId", requestIDFrom(r.Context()), "error", err)
		writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "admin authorisation required", err.Error())
		return
	}
	var params ledgerCreditParams
	if err := decodeParams(singleParam(req), &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", err.Error())
		return
	}
	addr, err := crypto.ParseAddress(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "failed to decode address", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if err := s.node.Credit(r.Context(), addr, amount); err != nil {
		s.writeNodeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

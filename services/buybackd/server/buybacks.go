package server

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"buyback/native/buyback"
)

type addBuyBackRequest struct {
	SellToken         string   `json:"sellToken"`
	BuyToken          string   `json:"buyToken"`
	BurnAddress       string   `json:"burnAddress,omitempty"`
	Burn              bool     `json:"burn"`
	Rounds            []uint64 `json:"rounds"`
	Amounts           []string `json:"amounts"`
	Tip               string   `json:"tip,omitempty"`
	AllowExternalPoke bool     `json:"allowExternalPoke"`
	IntervalSeconds   uint64   `json:"intervalSeconds"`
}

type fieldRequest struct {
	Value string `json:"value"`
}

type entryView struct {
	Round  uint64 `json:"round"`
	Amount string `json:"amount"`
}

type pendingView struct {
	Round    uint64 `json:"round"`
	Amount   string `json:"amount"`
	PostedAt int64  `json:"postedAt"`
}

type buybackView struct {
	Owner             string       `json:"owner"`
	SellToken         string       `json:"sellToken"`
	BuyToken          string       `json:"buyToken"`
	BurnAddress       string       `json:"burnAddress"`
	Burn              bool         `json:"burn"`
	AllowExternalPoke bool         `json:"allowExternalPoke"`
	Tip               string       `json:"tip"`
	IntervalSeconds   uint64       `json:"intervalSeconds"`
	LastPostedAt      int64        `json:"lastPostedAt"`
	CreatedAt         int64        `json:"createdAt"`
	Schedule          []entryView  `json:"schedule"`
	Pending           *pendingView `json:"pending,omitempty"`
}

func newBuybackView(b *buyback.Buyback) buybackView {
	view := buybackView{
		Owner:             b.Owner.Hex(),
		SellToken:         b.SellToken.Hex(),
		BuyToken:          b.BuyToken.Hex(),
		BurnAddress:       b.BurnAddress.Hex(),
		Burn:              b.BurnEnabled,
		AllowExternalPoke: b.AllowExternalPoke,
		Tip:               formatAmount(b.Tip),
		IntervalSeconds:   b.IntervalSeconds,
		LastPostedAt:      b.LastPostedAt,
		CreatedAt:         b.CreatedAt,
		Schedule:          make([]entryView, 0, b.Schedule.Len()),
	}
	for _, entry := range b.Schedule.Entries() {
		view.Schedule = append(view.Schedule, entryView{Round: entry.Round, Amount: formatAmount(entry.Amount)})
	}
	if b.Pending != nil {
		view.Pending = &pendingView{Round: b.Pending.Round, Amount: formatAmount(b.Pending.Amount), PostedAt: b.Pending.PostedAt}
	}
	return view
}

// ownerRequest resolves the caller and the buyback owner named in the path.
func ownerRequest(r *http.Request) (caller, owner common.Address, err error) {
	owner, err = pathAddress(r, "owner")
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	caller, _ = CallerFromContext(r.Context())
	return caller, owner, nil
}

func (s *Server) handleAddBuyBack(w http.ResponseWriter, r *http.Request) {
	caller, owner, err := ownerRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req addBuyBackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	params, err := req.params()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.AddBuyBack(r.Context(), caller, owner, params); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.GetBuyBack(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBuybackView(b))
}

func (req addBuyBackRequest) params() (buyback.Params, error) {
	var (
		p   buyback.Params
		err error
	)
	if p.SellToken, err = parseAddress("sellToken", req.SellToken); err != nil {
		return p, err
	}
	if p.BuyToken, err = parseAddress("buyToken", req.BuyToken); err != nil {
		return p, err
	}
	if strings.TrimSpace(req.BurnAddress) != "" {
		if p.BurnAddress, err = parseAddress("burnAddress", req.BurnAddress); err != nil {
			return p, err
		}
	}
	if p.Amounts, err = parseAmounts("amounts", req.Amounts); err != nil {
		return p, err
	}
	p.Tip = big.NewInt(0)
	if strings.TrimSpace(req.Tip) != "" {
		if p.Tip, err = parseAmount("tip", req.Tip); err != nil {
			return p, err
		}
	}
	p.BurnEnabled = req.Burn
	p.Rounds = req.Rounds
	p.AllowExternalPoke = req.AllowExternalPoke
	p.IntervalSeconds = req.IntervalSeconds
	return p, nil
}

func (s *Server) handleListOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := s.engine.ListOwners()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]string, len(owners))
	for i, owner := range owners {
		out[i] = owner.Hex()
	}
	writeJSON(w, http.StatusOK, map[string][]string{"owners": out})
}

func (s *Server) handleGetBuyBack(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.engine.GetBuyBack(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBuybackView(b))
}

func (s *Server) handleRemoveBuyBack(w http.ResponseWriter, r *http.Request) {
	caller, owner, err := ownerRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.RemoveBuyBack(r.Context(), caller, owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleModifyField(w http.ResponseWriter, r *http.Request) {
	caller, owner, err := ownerRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req fieldRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	field := chi.URLParam(r, "field")
	switch field {
	case "burn", "external-poke":
		var enabled bool
		enabled, err = strconv.ParseBool(strings.TrimSpace(req.Value))
		if err != nil {
			err = badRequest("invalid %s value %q", field, req.Value)
			break
		}
		if field == "burn" {
			err = s.engine.ModifyBurn(ctx, caller, owner, enabled)
		} else {
			err = s.engine.ModifyExternalPoke(ctx, caller, owner, enabled)
		}
	case "burn-address", "sell-token", "buy-token":
		var addr common.Address
		if addr, err = parseAddress(field, req.Value); err != nil {
			break
		}
		switch field {
		case "burn-address":
			err = s.engine.ModifyBurnAddress(ctx, caller, owner, addr)
		case "sell-token":
			err = s.engine.ModifySellToken(ctx, caller, owner, addr)
		default:
			err = s.engine.ModifyBuyToken(ctx, caller, owner, addr)
		}
	case "tip":
		var tip *big.Int
		if tip, err = parseAmount("tip", req.Value); err == nil {
			err = s.engine.ModifyTip(ctx, caller, owner, tip)
		}
	case "interval":
		var seconds uint64
		seconds, err = strconv.ParseUint(strings.TrimSpace(req.Value), 10, 64)
		if err != nil {
			err = badRequest("invalid interval %q", req.Value)
			break
		}
		err = s.engine.ModifyTimeInterval(ctx, caller, owner, seconds)
	default:
		writeErrorMessage(w, http.StatusNotFound, "unknown field "+strconv.Quote(field))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBurnAddress(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := s.engine.GetBurnAddress(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"burnAddress": addr.Hex()})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	caller, owner, err := ownerRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.PostSellOrder(r.Context(), caller, owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondBuyback(w, r, owner)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, owner, err := ownerRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Claim(r.Context(), caller, owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondBuyback(w, r, owner)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	caller, owner, err := ownerRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.ReleaseBuyBackFund(r.Context(), caller, owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondBuyback(w, r, owner)
}

func (s *Server) respondBuyback(w http.ResponseWriter, r *http.Request, owner common.Address) {
	b, err := s.engine.GetBuyBack(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBuybackView(b))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "journal not configured")
		return
	}
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	query := r.URL.Query()
	var after int64
	if raw := query.Get("after"); raw != "" {
		if after, err = strconv.ParseInt(raw, 10, 64); err != nil || after < 0 {
			s.writeError(w, r, badRequest("invalid after %q", raw))
			return
		}
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			s.writeError(w, r, badRequest("invalid limit %q", raw))
			return
		}
	}
	entries, err := s.journal.ListByOwner(r.Context(), owner, after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

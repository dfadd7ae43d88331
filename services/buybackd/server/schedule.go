package server

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

type amountRequest struct {
	Amount string `json:"amount"`
}

type scheduleRequest struct {
	Rounds  []uint64 `json:"rounds"`
	Amounts []string `json:"amounts,omitempty"`
}

type scheduleHandler func(r *http.Request, req scheduleRequest) error

// scheduleUpdate decodes a bulk schedule body, runs apply and answers with
// the resulting schedule.
func (s *Server) scheduleUpdate(apply scheduleHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := ownerRequest(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		var req scheduleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := apply(r, req); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.handleGetSchedule(w, r)
	}
}

type roundHandler func(caller, owner common.Address, round uint64, req amountRequest) error

// singleRound resolves the owner and round from the path, optionally decodes
// an amount body, runs apply and answers with the updated entry list.
func (s *Server) singleRound(w http.ResponseWriter, r *http.Request, withBody bool, apply roundHandler) {
	caller, owner, err := ownerRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	round, err := pathRound(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req amountRequest
	if withBody {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if err := apply(caller, owner, round, req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.handleGetSchedule(w, r)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
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
	rounds, err := s.engine.GetAuctionIndexes(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries := make([]entryView, 0, len(rounds))
	for _, round := range rounds {
		amount, _ := b.Schedule.Amount(round)
		entries = append(entries, entryView{Round: round, Amount: formatAmount(amount)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"owner": owner.Hex(), "schedule": entries})
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	round, err := pathRound(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := s.engine.GetAuctionAmount(owner, round)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entryView{Round: round, Amount: formatAmount(amount)})
}

func (s *Server) handleModifyAmount(w http.ResponseWriter, r *http.Request) {
	s.singleRound(w, r, true, func(caller, owner common.Address, round uint64, req amountRequest) error {
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return err
		}
		return s.engine.ModifyAuctionAmount(r.Context(), caller, owner, round, amount)
	})
}

func (s *Server) handleAddRound(w http.ResponseWriter, r *http.Request) {
	s.singleRound(w, r, true, func(caller, owner common.Address, round uint64, req amountRequest) error {
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return err
		}
		return s.engine.ModifyAuctionIndex(r.Context(), caller, owner, round, amount)
	})
}

func (s *Server) handleRemoveRound(w http.ResponseWriter, r *http.Request) {
	s.singleRound(w, r, false, func(caller, owner common.Address, round uint64, _ amountRequest) error {
		return s.engine.RemoveAuctionIndex(r.Context(), caller, owner, round)
	})
}

func (s *Server) handleModifyAmounts(w http.ResponseWriter, r *http.Request) {
	s.scheduleUpdate(func(r *http.Request, req scheduleRequest) error {
		caller, owner, _ := ownerRequest(r)
		amounts, err := parseAmounts("amounts", req.Amounts)
		if err != nil {
			return err
		}
		return s.engine.ModifyAuctionAmountMulti(r.Context(), caller, owner, req.Rounds, amounts)
	})(w, r)
}

func (s *Server) handleAddRounds(w http.ResponseWriter, r *http.Request) {
	s.scheduleUpdate(func(r *http.Request, req scheduleRequest) error {
		caller, owner, _ := ownerRequest(r)
		amounts, err := parseAmounts("amounts", req.Amounts)
		if err != nil {
			return err
		}
		return s.engine.ModifyAuctionIndexMulti(r.Context(), caller, owner, req.Rounds, amounts)
	})(w, r)
}

func (s *Server) handleRemoveRounds(w http.ResponseWriter, r *http.Request) {
	s.scheduleUpdate(func(r *http.Request, req scheduleRequest) error {
		caller, owner, _ := ownerRequest(r)
		return s.engine.RemoveAuctionIndexMulti(r.Context(), caller, owner, req.Rounds)
	})(w, r)
}

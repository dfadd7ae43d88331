package server

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"buyback/native/buyback"
)

type depositRequest struct {
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Token  string `json:"token,omitempty"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type balanceResponse struct {
	Owner   string `json:"owner"`
	Token   string `json:"token,omitempty"`
	Balance string `json:"balance"`
}

type sellBalanceResponse struct {
	Owner     string `json:"owner"`
	Token     string `json:"token"`
	Total     string `json:"total"`
	Scheduled string `json:"scheduled"`
	Pending   string `json:"pending"`
	Available string `json:"available"`
}

// accountCaller resolves the path account and requires it to be the caller.
// Ledger operations always act on the caller's own balances.
func accountCaller(r *http.Request) (common.Address, error) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		return common.Address{}, err
	}
	caller, _ := CallerFromContext(r.Context())
	if caller != owner {
		return common.Address{}, buyback.ErrNotOwner
	}
	return caller, nil
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, err := accountCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		err = s.engine.DepositSellToken(r.Context(), caller, amount)
	} else {
		var token common.Address
		if token, err = parseAddress("token", req.Token); err == nil {
			err = s.engine.Deposit(r.Context(), caller, token, amount)
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDepositEther(w http.ResponseWriter, r *http.Request) {
	caller, err := accountCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.DepositEther(r.Context(), caller, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, err := accountCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Withdraw(r.Context(), caller, token, to, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdrawEther(w http.ResponseWriter, r *http.Request) {
	caller, err := accountCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.WithdrawEther(r.Context(), caller, to, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.GetBalance(owner, token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Owner: owner.Hex(), Token: token.Hex(), Balance: formatAmount(balance)})
}

func (s *Server) handleSellBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.GetSellTokenBalance(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sellBalanceResponse{
		Owner:     owner.Hex(),
		Token:     balance.Token.Hex(),
		Total:     formatAmount(balance.Total),
		Scheduled: formatAmount(balance.Scheduled),
		Pending:   formatAmount(balance.Pending),
		Available: formatAmount(balance.Available),
	})
}

func (s *Server) handleEtherBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.GetEtherBalance(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Owner: owner.Hex(), Balance: formatAmount(balance)})
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	token, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	holder, err := parseAddress("holder", chi.URLParam(r, "holder"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.GetTokenBalance(r.Context(), token, holder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{Owner: holder.Hex(), Token: token.Hex(), Balance: formatAmount(balance)})
}

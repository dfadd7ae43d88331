package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"buyback/native/buyback"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// parseAmount reads a base-10 integer. Range checks are left to the engine.
func parseAmount(field, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, badRequest("%s required", field)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, badRequest("invalid %s %q", field, raw)
	}
	return amount, nil
}

func parseAmounts(field string, raw []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(raw))
	for i, value := range raw {
		amount, err := parseAmount(field, value)
		if err != nil {
			return nil, err
		}
		out[i] = amount
	}
	return out, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, badRequest("invalid %s %q", field, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func pathAddress(r *http.Request, param string) (common.Address, error) {
	return parseAddress(param, chi.URLParam(r, param))
}

func pathRound(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "round")
	round, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid round %q", raw)
	}
	return round, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return badRequest("invalid payload: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps engine error categories onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, buyback.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, buyback.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, buyback.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, buyback.ErrInsufficientBalance), errors.Is(err, buyback.ErrState):
		return http.StatusConflict
	case errors.Is(err, buyback.ErrTransfer):
		return http.StatusBadGateway
	case errors.Is(err, buyback.ErrNilState), errors.Is(err, buyback.ErrNilCollaborator):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		message = http.StatusText(status)
	}
	writeErrorMessage(w, status, message)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

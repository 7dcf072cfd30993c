/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers parse the request, call the banking service or the authenticator, and
 * write the JSON response. Amounts are minor units on the wire; every balance is
 * also echoed as a major-unit string for display.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/shopspring/decimal: Exact integral checks and major-unit rendering.
 * - internal/app, internal/domain: For service logic, models, and custom errors.
 */

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/ledger-service/internal/app"
	"github.com/transfa/ledger-service/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

var errMalformedBody = errors.New("invalid request body")

// Handlers holds the application services that handlers will use.
type Handlers struct {
	banking *app.BankingService
	auth    *app.Authenticator
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(banking *app.BankingService, auth *app.Authenticator) *Handlers {
	return &Handlers{banking: banking, auth: auth}
}

// pinValue accepts a PIN sent either as a JSON string or a JSON number.
type pinValue string

func (p *pinValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = pinValue(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = pinValue(n.String())
	return nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	FullName string   `json:"full_name"`
	Email    string   `json:"email"`
	Password string   `json:"password"`
	PIN      pinValue `json:"pin"`
}

type balanceRequest struct {
	AccountNumber int64       `json:"account_number"`
	PIN           pinValue    `json:"pin"`
	Amount        json.Number `json:"amount"`
}

type transferRequest struct {
	AccountNumber    int64       `json:"account_number"`
	RecipientAccount int64       `json:"recipient_account"`
	PIN              pinValue    `json:"pin"`
	Amount           json.Number `json:"amount"`
}

type changePINRequest struct {
	AccountNumber int64    `json:"account_number"`
	PIN           pinValue `json:"pin"`
	NewPIN        pinValue `json:"new_pin"`
	NewPINConfirm pinValue `json:"new_pin_confirm"`
}

type accountPINRequest struct {
	AccountNumber int64    `json:"account_number"`
	PIN           pinValue `json:"pin"`
}

type balanceResponse struct {
	AccountNumber  int64  `json:"account_number"`
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
}

type balanceChangeResponse struct {
	AccountNumber         int64                 `json:"account_number"`
	Balance               int64                 `json:"balance"`
	BalanceUpdated        int64                 `json:"balance_updated"`
	BalanceUpdatedDisplay string                `json:"balance_updated_display"`
	Mutation              domain.MutationRecord `json:"mutation"`
}

type transferResponse struct {
	balanceChangeResponse
	Recipient balanceChangeResponse `json:"recipient"`
}

type mutationsResponse struct {
	AccountNumber int64                   `json:"account_number"`
	AllMutation   []domain.MutationRecord `json:"all_mutation"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// formatMajorUnits renders a minor-unit amount with two decimal places.
func formatMajorUnits(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// parseAmount converts a JSON number into minor units. Fractions, exponents
// that do not resolve to an integer, and values outside int64 are rejected.
func parseAmount(raw json.Number) (int64, error) {
	if raw == "" {
		return 0, domain.ErrInvalidAmount
	}
	d, err := decimal.NewFromString(raw.String())
	if err != nil || !d.IsInteger() {
		return 0, domain.ErrInvalidAmount
	}
	v := d.IntPart()
	if !decimal.NewFromInt(v).Equal(d) || v <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	return v, nil
}

func toBalanceChangeResponse(change domain.BalanceChange) balanceChangeResponse {
	return balanceChangeResponse{
		AccountNumber:         change.AccountNumber,
		Balance:               change.BalanceBefore,
		BalanceUpdated:        change.BalanceAfter,
		BalanceUpdatedDisplay: formatMajorUnits(change.BalanceAfter),
		Mutation:              change.Mutation,
	}
}

// LoginHandler handles POST /auth/login.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		h.writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	result, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeDomainError(w, "login", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RegisterHandler handles POST /accounts.
func (h *Handlers) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.banking.Register(r.Context(), app.RegisterInput{
		FullName: req.FullName,
		Email:    req.Email,
		Password: req.Password,
		PIN:      string(req.PIN),
	})
	if err != nil {
		h.writeDomainError(w, "register", err)
		return
	}
	log.Printf("level=info component=api endpoint=register outcome=created account_number=%d", account.AccountNumber)
	h.writeJSON(w, http.StatusCreated, account)
}

// GetBalanceHandler handles GET /banking/accounts/{accountNumber}/balance.
func (h *Handlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountNumber, ok := h.accountFromPath(w, r)
	if !ok {
		return
	}
	balance, err := h.banking.GetBalance(r.Context(), accountNumber)
	if err != nil {
		h.writeDomainError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{
		AccountNumber:  accountNumber,
		Balance:        balance,
		BalanceDisplay: formatMajorUnits(balance),
	})
}

// GetMutationsHandler handles GET /banking/accounts/{accountNumber}/mutations.
func (h *Handlers) GetMutationsHandler(w http.ResponseWriter, r *http.Request) {
	accountNumber, ok := h.accountFromPath(w, r)
	if !ok {
		return
	}
	mutations, err := h.banking.GetMutations(r.Context(), accountNumber)
	if err != nil {
		h.writeDomainError(w, "get_mutations", err)
		return
	}
	if mutations == nil {
		mutations = []domain.MutationRecord{}
	}
	h.writeJSON(w, http.StatusOK, mutationsResponse{AccountNumber: accountNumber, AllMutation: mutations})
}

// DepositHandler handles PATCH /banking/deposit.
func (h *Handlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	h.handleBalanceChange(w, r, "deposit", h.banking.Deposit)
}

// WithdrawHandler handles PATCH /banking/withdraw.
func (h *Handlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	h.handleBalanceChange(w, r, "withdraw", h.banking.Withdraw)
}

type balanceChangeFunc func(ctx context.Context, accountNumber int64, pin string, amount int64) (*domain.BalanceChange, error)

func (h *Handlers) handleBalanceChange(w http.ResponseWriter, r *http.Request, endpoint string, apply balanceChangeFunc) {
	var req balanceRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.authorizeAccount(w, r, req.AccountNumber) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.writeDomainError(w, endpoint, err)
		return
	}

	change, err := apply(r.Context(), req.AccountNumber, string(req.PIN), amount)
	if err != nil {
		h.writeDomainError(w, endpoint, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toBalanceChangeResponse(*change))
}

// TransferHandler handles PATCH /banking/transfer.
func (h *Handlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.authorizeAccount(w, r, req.AccountNumber) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.writeDomainError(w, "transfer", err)
		return
	}

	result, err := h.banking.Transfer(r.Context(), req.AccountNumber, string(req.PIN), req.RecipientAccount, amount)
	if err != nil {
		h.writeDomainError(w, "transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, transferResponse{
		balanceChangeResponse: toBalanceChangeResponse(result.Sender),
		Recipient:             toBalanceChangeResponse(result.Recipient),
	})
}

// ChangePINHandler handles PATCH /banking/pin.
func (h *Handlers) ChangePINHandler(w http.ResponseWriter, r *http.Request) {
	var req changePINRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.authorizeAccount(w, r, req.AccountNumber) {
		return
	}

	err := h.banking.ChangePIN(r.Context(), req.AccountNumber, string(req.PIN), string(req.NewPIN), string(req.NewPINConfirm))
	if err != nil {
		h.writeDomainError(w, "change_pin", err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Pin has been changed"})
}

// ClearMutationsHandler handles PATCH /banking/mutations/clear.
func (h *Handlers) ClearMutationsHandler(w http.ResponseWriter, r *http.Request) {
	var req accountPINRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.authorizeAccount(w, r, req.AccountNumber) {
		return
	}

	if err := h.banking.ClearMutations(r.Context(), req.AccountNumber, string(req.PIN)); err != nil {
		h.writeDomainError(w, "clear_mutations", err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Mutation has been deleted"})
}

// DeleteAccountHandler handles DELETE /banking/accounts.
func (h *Handlers) DeleteAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req accountPINRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.authorizeAccount(w, r, req.AccountNumber) {
		return
	}

	if err := h.banking.DeleteAccount(r.Context(), req.AccountNumber, string(req.PIN)); err != nil {
		h.writeDomainError(w, "delete_account", err)
		return
	}
	log.Printf("level=info component=api endpoint=delete_account outcome=deleted account_number=%d", req.AccountNumber)
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Account has been deleted"})
}

func (h *Handlers) accountFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "accountNumber")
	accountNumber, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || accountNumber <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid account number")
		return 0, false
	}
	if !h.authorizeAccount(w, r, accountNumber) {
		return 0, false
	}
	return accountNumber, true
}

// authorizeAccount rejects requests whose token subject names a different
// account. Requests without a subject (auth disabled) pass through.
func (h *Handlers) authorizeAccount(w http.ResponseWriter, r *http.Request, accountNumber int64) bool {
	subject, ok := GetTokenSubject(r.Context())
	if !ok || subject == "" {
		return true
	}
	if subject == strconv.FormatInt(accountNumber, 10) {
		return true
	}
	log.Printf("level=warn component=api outcome=reject reason=subject_mismatch subject=%s account_number=%d", subject, accountNumber)
	h.writeError(w, http.StatusForbidden, "Token does not grant access to this account")
	return false
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errMalformedBody
	}
	return nil
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/dmnk-game/dmnk/internal/auth"
	"github.com/dmnk-game/dmnk/internal/board"
	"github.com/dmnk-game/dmnk/internal/chain"
	"github.com/dmnk-game/dmnk/internal/config"
	"github.com/dmnk-game/dmnk/internal/game"
	"github.com/dmnk-game/dmnk/internal/store"
	"github.com/dmnk-game/dmnk/internal/wallet"
)

// Wallet is the part of wallet.Manager the API needs.
type Wallet interface {
	Exists() bool
	Create(passphrase string) (common.Address, error)
	Unlock(passphrase string) (common.Address, error)
	Lock() error
	Address() (common.Address, bool)
	Balance(ctx context.Context, reader wallet.BalanceReader) (*big.Int, error)
}

// GameList lists the address book of an account.
type GameList interface {
	List(ctx context.Context, account common.Address) ([]store.Entry, error)
}

// ControllerFactory builds the game controller of a freshly unlocked account.
type ControllerFactory func(account common.Address) (*game.Controller, error)

type Service struct {
	config  *config.Config
	wallet  Wallet
	issuer  *auth.Issuer
	games   GameList
	factory ControllerFactory
	hub     *Hub

	balances wallet.BalanceReader

	mu      sync.Mutex
	ctrl    *game.Controller
	account common.Address
}

// ServiceOption configures the service
type ServiceOption func(*Service)

// WithBalanceReader makes GET /api/wallet report the balance of the unlocked
// account.
func WithBalanceReader(r wallet.BalanceReader) ServiceOption {
	return func(s *Service) {
		s.balances = r
	}
}

func NewService(cfg *config.Config, w Wallet, issuer *auth.Issuer, games GameList, factory ControllerFactory, hub *Hub, opts ...ServiceOption) *Service {
	s := &Service{
		config:  cfg,
		wallet:  w,
		issuer:  issuer,
		games:   games,
		factory: factory,
		hub:     hub,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router wires every route of the local API.
func (s *Service) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.HealthHandler).Methods("GET", "OPTIONS")
	api.HandleFunc("/wallet", s.GetWalletHandler).Methods("GET", "OPTIONS")
	api.HandleFunc("/wallet", s.CreateWalletHandler).Methods("POST", "OPTIONS")
	api.HandleFunc("/wallet/unlock", s.UnlockWalletHandler).Methods("POST", "OPTIONS")

	protected := api.NewRoute().Subrouter()
	protected.Use(s.issuer.Middleware)
	protected.HandleFunc("/wallet/lock", s.LockWalletHandler).Methods("POST", "OPTIONS")
	protected.HandleFunc("/games", s.ListGamesHandler).Methods("GET", "OPTIONS")
	protected.HandleFunc("/game", s.GetGameHandler).Methods("GET", "OPTIONS")
	protected.HandleFunc("/game/play", s.PlayHandler).Methods("POST", "OPTIONS")
	protected.HandleFunc("/game/cancel", s.CancelHandler).Methods("POST", "OPTIONS")
	protected.HandleFunc("/game/moves", s.MoveHandler).Methods("POST", "OPTIONS")
	protected.HandleFunc("/game/turn", s.TurnHandler).Methods("POST", "OPTIONS")

	router.Handle("/ws", s.issuer.Middleware(s.WebSocketHandler(s.hub)))

	if s.config.Server.StaticDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(s.config.Server.StaticDir)))
	}
	return router
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"network": s.config.Chain.NetworkName(),
		"chainId": s.config.Chain.ChainID,
	})
}

type WalletResponse struct {
	Exists   bool   `json:"exists"`
	Unlocked bool   `json:"unlocked"`
	Address  string `json:"address,omitempty"`
	Balance  string `json:"balance,omitempty"`
}

func (s *Service) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	resp := WalletResponse{Exists: s.wallet.Exists()}
	if addr, ok := s.wallet.Address(); ok {
		resp.Unlocked = true
		resp.Address = addr.Hex()
		if s.balances != nil {
			balance, err := s.wallet.Balance(r.Context(), s.balances)
			if err != nil {
				log.Warn().Err(err).Str("account", addr.Hex()).Msg("Failed to read balance")
			} else {
				resp.Balance = balance.String()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type PassphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

func (s *Service) CreateWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req PassphraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Passphrase == "" {
		http.Error(w, "Passphrase is required", http.StatusBadRequest)
		return
	}

	addr, err := s.wallet.Create(req.Passphrase)
	if errors.Is(err, wallet.ErrWalletExists) {
		http.Error(w, "Wallet already exists", http.StatusConflict)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to create wallet")
		http.Error(w, "Failed to create wallet", http.StatusInternalServerError)
		return
	}

	log.Info().Str("account", addr.Hex()).Msg("Wallet created")
	writeJSON(w, http.StatusCreated, map[string]string{"address": addr.Hex()})
}

type UnlockResponse struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

func (s *Service) UnlockWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req PassphraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	addr, err := s.wallet.Unlock(req.Passphrase)
	switch {
	case errors.Is(err, wallet.ErrNoWallet):
		http.Error(w, "No wallet has been created", http.StatusNotFound)
		return
	case errors.Is(err, wallet.ErrWrongPassphrase):
		http.Error(w, "Wrong passphrase", http.StatusUnauthorized)
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to unlock wallet")
		http.Error(w, "Failed to unlock wallet", http.StatusInternalServerError)
		return
	}

	if err := s.activate(addr); err != nil {
		log.Error().Err(err).Str("account", addr.Hex()).Msg("Failed to start game controller")
		http.Error(w, "Failed to connect to the chain", http.StatusBadGateway)
		return
	}

	token, err := s.issuer.Issue(addr)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue session token")
		http.Error(w, "Failed to issue session token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, UnlockResponse{Token: token, Address: addr.Hex()})
}

func (s *Service) LockWalletHandler(w http.ResponseWriter, r *http.Request) {
	s.deactivate()
	if err := s.wallet.Lock(); err != nil {
		log.Error().Err(err).Msg("Failed to lock wallet")
		http.Error(w, "Failed to lock wallet", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// activate makes a controller for account current, replacing the controller
// of any other account, and resumes the newest game of its address book in the
// background.
func (s *Service) activate(account common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl != nil && s.account == account {
		return nil
	}
	if s.ctrl != nil {
		s.ctrl.Close()
		s.ctrl = nil
	}

	ctrl, err := s.factory(account)
	if err != nil {
		return err
	}
	if s.hub != nil {
		ctrl.OnChange(s.hub.BroadcastSnapshot)
	}
	s.ctrl = ctrl
	s.account = account

	go s.restore(ctrl, account)
	return nil
}

func (s *Service) restore(ctrl *game.Controller, account common.Address) {
	if s.games == nil {
		return
	}
	entries, err := s.games.List(context.Background(), account)
	if err != nil {
		log.Error().Err(err).Str("account", account.Hex()).Msg("Failed to read address book")
		return
	}

	if len(entries) == 0 {
		return
	}

	e := entries[len(entries)-1]
	if e.Started() {
		err = ctrl.Restore(context.Background(), e.Game, e.Opponent, e.Block)
	} else {
		err = ctrl.RestorePending(context.Background(), e.Game, e.Block)
	}
	if err != nil {
		// a game played since unlock wins over the stored one
		log.Warn().Err(err).Str("game", e.Game.Hex()).Msg("Failed to restore game")
	}
}

func (s *Service) deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl != nil {
		s.ctrl.Close()
	}
	s.ctrl = nil
	s.account = common.Address{}
}

// Close stops the active controller.
func (s *Service) Close() {
	s.deactivate()
}

// controller returns the controller of the account carried by the request
// token, or writes 401 when that account is no longer unlocked.
func (s *Service) controller(w http.ResponseWriter, r *http.Request) (*game.Controller, bool) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		http.Error(w, "Missing session token", http.StatusUnauthorized)
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl == nil || s.account != account {
		http.Error(w, "Wallet is locked", http.StatusUnauthorized)
		return nil, false
	}
	return s.ctrl, true
}

func (s *Service) ListGamesHandler(w http.ResponseWriter, r *http.Request) {
	account, _ := auth.AccountFromContext(r.Context())
	entries := []store.Entry{}
	if s.games != nil {
		list, err := s.games.List(r.Context(), account)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list games")
			http.Error(w, "Failed to list games", http.StatusInternalServerError)
			return
		}
		entries = append(entries, list...)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) GetGameHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

type PlayRequest struct {
	Bid       string `json:"bid"`
	RangeFrom string `json:"rangeFrom"`
	RangeTo   string `json:"rangeTo"`
}

type PlayResponse struct {
	Outcome  string        `json:"outcome"` // "created" or "started"
	Game     string        `json:"game"`
	Snapshot game.Snapshot `json:"snapshot"`
}

func (s *Service) PlayHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}

	var req PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	settings, err := req.settings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// the transaction outlives a client that goes away
	result, err := ctrl.Play(context.WithoutCancel(r.Context()), settings)
	if err != nil {
		http.Error(w, err.Error(), playStatus(err))
		return
	}

	resp := PlayResponse{Game: result.GameAddress().Hex(), Snapshot: ctrl.Snapshot()}
	switch result.(type) {
	case chain.GameCreated:
		resp.Outcome = "created"
	case chain.GameStarted:
		resp.Outcome = "started"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (req PlayRequest) settings() (game.Settings, error) {
	var s game.Settings
	var ok bool
	if s.Bid, ok = new(big.Int).SetString(req.Bid, 10); !ok {
		return s, errors.New("bid must be a decimal amount of wei")
	}
	if s.RangeFrom, ok = new(big.Int).SetString(req.RangeFrom, 10); !ok {
		return s, errors.New("rangeFrom must be a decimal amount of wei")
	}
	if s.RangeTo, ok = new(big.Int).SetString(req.RangeTo, 10); !ok {
		return s, errors.New("rangeTo must be a decimal amount of wei")
	}
	return s, nil
}

func playStatus(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidSetting):
		return http.StatusBadRequest
	case errors.Is(err, chain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, game.ErrBusy), errors.Is(err, game.ErrClosed), errors.Is(err, game.ErrSessionClosed):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Service) CancelHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}

	cancelled, err := ctrl.Cancel(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, game.ErrNotPending), errors.Is(err, game.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type MoveResponse struct {
	Claimed bool   `json:"claimed"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	TxHash  string `json:"txHash,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Service) MoveHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}

	var p board.Position
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	outcome := ctrl.ClaimCell(context.WithoutCancel(r.Context()), p)
	resp := MoveResponse{Claimed: outcome.OK(), X: p.X, Y: p.Y}
	switch o := outcome.(type) {
	case game.Claimed:
		resp.TxHash = o.Receipt.TxHash.Hex()
		writeJSON(w, http.StatusOK, resp)
	case game.Rejected:
		resp.Error = o.Reason.Error()
		writeJSON(w, moveStatus(o.Reason), resp)
	}
}

func moveStatus(err error) int {
	switch {
	case errors.Is(err, game.ErrOutOfBounds):
		return http.StatusBadRequest
	case errors.Is(err, game.ErrNoActiveGame),
		errors.Is(err, game.ErrNotYourTurn),
		errors.Is(err, game.ErrCellOccupied),
		errors.Is(err, game.ErrClaimInFlight),
		errors.Is(err, game.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, chain.ErrReverted):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Service) TurnHandler(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := s.controller(w, r)
	if !ok {
		return
	}

	turn, err := ctrl.ResolveTurn(r.Context())
	switch {
	case errors.Is(err, game.ErrNoActiveGame), errors.Is(err, game.ErrSessionClosed):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		log.Warn().Err(err).Msg("Turn lookup failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]game.Turn{"turn": turn})
}

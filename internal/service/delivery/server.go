package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"e2e_relay/internal/config"
	"e2e_relay/internal/model"
	"e2e_relay/internal/service/registry"
	"e2e_relay/internal/utils/log"
	apperr "e2e_relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	// DeviceStore is the durable account/device directory the server
	// registers into and manages devices through.
	DeviceStore interface {
		CreateAccount(ctx context.Context, account *model.Account) error
		GetAccountByHandle(ctx context.Context, handle string) (*model.Account, error)
		RegisterDevice(ctx context.Context, device *model.Device) error
		ListDevices(ctx context.Context, accountID string) ([]*model.Device, error)
		TouchLastSeen(ctx context.Context, deviceID string) error
		RemoveDevice(ctx context.Context, deviceID string) error
	}

	// PrekeyStore holds key bundles and the consumable one-time prekey
	// pool.
	PrekeyStore interface {
		Register(ctx context.Context, deviceID string, identityPub, signedPrekeyPub []byte, oneTimePrekeys [][]byte) error
		FetchBundle(ctx context.Context, deviceID string) (*model.PrekeyBundle, error)
		CountUnused(ctx context.Context, deviceID string) (int64, error)
		RemoveForDevice(ctx context.Context, deviceID string) error
	}

	// TokenService issues and resolves the bearer tokens that bind a
	// connection to an (account, device) pair.
	TokenService interface {
		Issue(ctx context.Context, accountID, deviceID string) (string, error)
		Verify(ctx context.Context, token string) (accountID, deviceID string, err error)
		Revoke(ctx context.Context, token string) error
	}

	Server struct {
		cfg      *config.Config
		engine   *Engine
		registry *registry.Registry
		tokens   TokenService
		devices  DeviceStore
		prekeys  PrekeyStore

		httpServer *http.Server
	}

	registerRequest struct {
		Handle         string   `json:"handle"`
		DeviceID       string   `json:"deviceId"`
		DisplayName    string   `json:"displayName,omitempty"`
		IdentityKey    []byte   `json:"identityKey"`
		SignedPrekey   []byte   `json:"signedPrekey"`
		OneTimePrekeys [][]byte `json:"oneTimePrekeys"`
	}

	registerResponse struct {
		AccountID        string `json:"accountId"`
		DeviceID         string `json:"deviceId"`
		Token            string `json:"token"`
		PrekeysRemaining int64  `json:"prekeysRemaining"`
	}
)

func NewServer(cfg *config.Config, engine *Engine, reg *registry.Registry, tokens TokenService, devices DeviceStore, prekeys PrekeyStore) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		registry: reg,
		tokens:   tokens,
		devices:  devices,
		prekeys:  prekeys,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/register", s.HandleRegister()).Methods(http.MethodPost)
	r.HandleFunc("/keys/{device}", s.HandleGetBundle()).Methods(http.MethodGet)
	r.HandleFunc("/devices", s.HandleListDevices()).Methods(http.MethodGet)
	r.HandleFunc("/devices/{device}", s.HandleRemoveDevice()).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", s.HandleHealthz()).Methods(http.MethodGet)

	return r
}

func (s *Server) Run() error {
	s.httpServer = &http.Server{Addr: s.cfg.Server.Addr, Handler: s.Router()}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return tok
	}
	return ""
}

func (s *Server) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "failed to upgrade", http.StatusInternalServerError)
			return
		}

		accountID, deviceID, err := s.tokens.Verify(r.Context(), tok)
		if err != nil {
			// No protocol-level detail for probing clients, just the
			// distinguishable close code.
			log.Debug("websocket auth failed", zap.Error(err))
			msg := websocket.FormatCloseMessage(registry.CloseUnauthorized, "unauthorized")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			ws.Close()
			return
		}

		sess := registry.NewConn(ws, deviceID, accountID)
		s.registry.Register(sess)

		if err := s.devices.TouchLastSeen(r.Context(), deviceID); err != nil {
			log.Error("updating last seen failed", zap.Error(err), zap.String("device", deviceID))
		}

		log.Info("device connected", zap.String("device", deviceID), zap.String("account", accountID))
		go s.readLoop(sess)
	}
}

// readLoop replays the device's backlog and then relays inbound frames
// until the connection dies.
func (s *Server) readLoop(sess *registry.Conn) {
	ctx := context.Background()

	defer func() {
		s.registry.Unregister(sess)
		_ = sess.Close(registry.CloseDead, "connection closed")
		log.Debug("device disconnected", zap.String("device", sess.DeviceID()))
	}()

	s.engine.DrainBacklog(ctx, sess)

	for {
		data, err := sess.ReadMessage()
		if err != nil {
			return
		}
		s.engine.HandleInbound(ctx, sess, data)
	}
}

func (s *Server) HandleRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Handle == "" || req.DeviceID == "" {
			http.Error(w, "invalid registration payload", http.StatusBadRequest)
			return
		}

		account, err := s.devices.GetAccountByHandle(ctx, req.Handle)
		if err != nil {
			log.Error("registration account lookup failed", zap.Error(err))
			http.Error(w, "registration failed", http.StatusInternalServerError)
			return
		}
		if account == nil {
			account = &model.Account{ID: uuid.NewString(), Handle: req.Handle}
			if err := s.devices.CreateAccount(ctx, account); err != nil {
				log.Error("creating account failed", zap.Error(err))
				http.Error(w, "registration failed", http.StatusInternalServerError)
				return
			}
		}

		device := &model.Device{
			ID:          req.DeviceID,
			AccountID:   account.ID,
			DisplayName: req.DisplayName,
		}
		if err := s.devices.RegisterDevice(ctx, device); err != nil {
			log.Error("registering device failed", zap.Error(err))
			http.Error(w, "registration failed", http.StatusInternalServerError)
			return
		}

		err = s.prekeys.Register(ctx, req.DeviceID, req.IdentityKey, req.SignedPrekey, req.OneTimePrekeys)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeInvalidKeyLength {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			log.Error("storing key bundle failed", zap.Error(err), zap.String("device", req.DeviceID))
			http.Error(w, "registration failed", http.StatusInternalServerError)
			return
		}

		tok, err := s.tokens.Issue(ctx, account.ID, req.DeviceID)
		if err != nil {
			log.Error("issuing token failed", zap.Error(err), zap.String("device", req.DeviceID))
			http.Error(w, "registration failed", http.StatusInternalServerError)
			return
		}

		remaining, err := s.prekeys.CountUnused(ctx, req.DeviceID)
		if err != nil {
			// The registration itself succeeded; clients replenish on
			// their next registration anyway.
			log.Warn("counting unused prekeys failed", zap.Error(err), zap.String("device", req.DeviceID))
		}

		writeJSON(w, http.StatusOK, &registerResponse{
			AccountID:        account.ID,
			DeviceID:         req.DeviceID,
			Token:            tok,
			PrekeysRemaining: remaining,
		})
	}
}

func (s *Server) HandleGetBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		deviceID := mux.Vars(r)["device"]

		ctx, cancel := context.WithTimeout(ctx, s.cfg.Auth.VerifyTimeout)
		defer cancel()

		bundle, err := s.prekeys.FetchBundle(ctx, deviceID)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeNotFound {
				http.Error(w, "device does not exist", http.StatusNotFound)
				return
			}
			log.Error("fetching prekey bundle failed", zap.Error(err), zap.String("device", deviceID))
			http.Error(w, "fetching bundle failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, bundle)
	}
}

// HandleListDevices returns the devices of the account the bearer token
// belongs to.
func (s *Server) HandleListDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		accountID, _, err := s.tokens.Verify(ctx, bearerToken(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		devices, err := s.devices.ListDevices(ctx, accountID)
		if err != nil {
			log.Error("listing devices failed", zap.Error(err), zap.String("account", accountID))
			http.Error(w, "listing devices failed", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, devices)
	}
}

// HandleRemoveDevice deletes a device, cascades removal of its key bundle
// and unused one-time prekeys, and revokes the token used. Only the
// device's own token may remove it.
func (s *Server) HandleRemoveDevice() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		deviceID := mux.Vars(r)["device"]
		tok := bearerToken(r)

		_, tokenDevice, err := s.tokens.Verify(ctx, tok)
		if err != nil || tokenDevice != deviceID {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if err := s.devices.RemoveDevice(ctx, deviceID); err != nil {
			log.Error("removing device failed", zap.Error(err), zap.String("device", deviceID))
			http.Error(w, "removal failed", http.StatusInternalServerError)
			return
		}
		if err := s.prekeys.RemoveForDevice(ctx, deviceID); err != nil {
			log.Error("removing device keys failed", zap.Error(err), zap.String("device", deviceID))
			http.Error(w, "removal failed", http.StatusInternalServerError)
			return
		}

		if err := s.tokens.Revoke(ctx, tok); err != nil {
			log.Warn("revoking token failed", zap.Error(err), zap.String("device", deviceID))
		}

		if sess, ok := s.registry.LookupByDevice(deviceID); ok {
			s.registry.Unregister(sess)
			_ = sess.Close(registry.CloseUnauthorized, "device removed")
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"region":      s.cfg.Server.Region,
			"connections": s.registry.Len(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

package registry

import (
	"sync"

	"e2e_relay/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Registry maps device ids to their single live session and accounts
	// to the set of their devices' sessions. It is process-local and
	// ephemeral; durability never lives here.
	Registry struct {
		mu        sync.RWMutex
		byDevice  map[string]Session
		byAccount map[string]map[string]Session // accountID -> deviceID -> session
	}
)

func NewRegistry() *Registry {
	return &Registry{
		byDevice:  make(map[string]Session),
		byAccount: make(map[string]map[string]Session),
	}
}

// Register installs the session as the device's live connection. Any prior
// connection for the same device id is closed with the "replaced" code;
// the later registration always wins.
func (r *Registry) Register(sess Session) {
	deviceID, accountID := sess.DeviceID(), sess.AccountID()

	r.mu.Lock()
	prev := r.byDevice[deviceID]
	r.byDevice[deviceID] = sess
	devices, ok := r.byAccount[accountID]
	if !ok {
		devices = make(map[string]Session)
		r.byAccount[accountID] = devices
	}
	devices[deviceID] = sess
	r.mu.Unlock()

	if prev != nil {
		log.Info("replacing live connection", zap.String("device", deviceID))
		_ = prev.Close(CloseReplaced, "replaced by newer connection")
	}
}

// Unregister removes the mapping only when sess is still the registered
// session for its device id. A stale close arriving after a newer
// connection registered must not evict the newer one.
func (r *Registry) Unregister(sess Session) {
	deviceID, accountID := sess.DeviceID(), sess.AccountID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byDevice[deviceID]; !ok || current != sess {
		return
	}
	delete(r.byDevice, deviceID)

	if devices, ok := r.byAccount[accountID]; ok {
		delete(devices, deviceID)
		if len(devices) == 0 {
			delete(r.byAccount, accountID)
		}
	}
}

func (r *Registry) LookupByDevice(deviceID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byDevice[deviceID]
	return sess, ok
}

// LookupByAccount returns the live sessions of every one of the account's
// devices.
func (r *Registry) LookupByAccount(accountID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := r.byAccount[accountID]
	if len(devices) == 0 {
		return nil
	}
	sessions := make([]Session, 0, len(devices))
	for _, sess := range devices {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Snapshot returns every live session. Used by the reaper's liveness
// sweep.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.byDevice))
	for _, sess := range r.byDevice {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDevice)
}

package delivery

import (
	"context"
	"encoding/json"
	"time"

	"e2e_relay/internal/model"
	"e2e_relay/internal/service/ratelimit"
	"e2e_relay/internal/service/registry"
	"e2e_relay/internal/utils/log"
	apperr "e2e_relay/pkg/errors"

	"go.uber.org/zap"
)

type (
	// EnvelopeStore is the durable queue the engine persists into and
	// drains from.
	EnvelopeStore interface {
		Enqueue(ctx context.Context, env *model.Envelope) (string, error)
		DrainFor(ctx context.Context, deviceID, accountID string, limit int) ([]*model.Envelope, error)
		Delete(ctx context.Context, id string) error
	}

	// Directory resolves recipient addresses to accounts and devices.
	Directory interface {
		GetDevice(ctx context.Context, deviceID string) (*model.Device, error)
		GetAccountByHandle(ctx context.Context, handle string) (*model.Account, error)
		MostRecentDevice(ctx context.Context, accountID string) (*model.Device, error)
	}

	// Engine accepts inbound envelopes, persists them, attempts live
	// delivery, and acknowledges the sender.
	Engine struct {
		store      EnvelopeStore
		directory  Directory
		registry   *registry.Registry
		limiter    *ratelimit.Limiter
		fanoutAll  bool
		drainLimit int
	}
)

func NewEngine(store EnvelopeStore, directory Directory, reg *registry.Registry, limiter *ratelimit.Limiter, fanoutAll bool, drainLimit int) *Engine {
	return &Engine{
		store:      store,
		directory:  directory,
		registry:   reg,
		limiter:    limiter,
		fanoutAll:  fanoutAll,
		drainLimit: drainLimit,
	}
}

// HandleInbound processes one frame read from sender's connection.
// Malformed frames are dropped without a reply; every well-formed frame is
// answered with either an ack or an error frame.
func (e *Engine) HandleInbound(ctx context.Context, sender registry.Session, data []byte) {
	var frame model.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.To == "" || len(frame.Ciphertext) == 0 {
		log.Debug("dropping malformed frame", zap.String("device", sender.DeviceID()))
		return
	}

	accountID, deviceID, err := e.resolveRecipient(ctx, frame.To)
	if err != nil {
		e.sendError(sender, err)
		return
	}

	if !e.limiter.Allow(sender.DeviceID()) {
		e.sendError(sender, apperr.RateLimited("message rate limit exceeded"))
		return
	}

	env := &model.Envelope{
		SenderDevice:     sender.DeviceID(),
		RecipientAccount: accountID,
		RecipientDevice:  deviceID,
		Ciphertext:       frame.Ciphertext,
		ContentType:      frame.ContentType,
		ClientMsgID:      frame.ClientMsgID,
	}
	id, err := e.store.Enqueue(ctx, env)
	if err != nil {
		log.Error("persisting envelope failed", zap.Error(err), zap.String("sender", sender.DeviceID()))
		e.sendError(sender, apperr.StoreUnavailable("message could not be persisted", err))
		return
	}

	mode := model.ModeQueued
	if e.pushLive(ctx, env) {
		if err := e.store.Delete(ctx, id); err != nil {
			// The envelope was already handed to a live connection; a
			// failed delete leaves a duplicate for the sweep or the next
			// drain, which client-side dedup absorbs.
			log.Warn("deleting delivered envelope failed", zap.Error(err), zap.String("envelope", id))
		}
		mode = model.ModeDirect
	}

	e.sendAck(sender, id, frame.To, mode, frame.ClientMsgID)
}

// resolveRecipient tries the address as a device id first, then as an
// account handle.
func (e *Engine) resolveRecipient(ctx context.Context, to string) (accountID, deviceID string, err error) {
	device, err := e.directory.GetDevice(ctx, to)
	if err != nil {
		return "", "", apperr.StoreUnavailable("resolving recipient", err)
	}
	if device != nil {
		return device.AccountID, device.ID, nil
	}

	account, err := e.directory.GetAccountByHandle(ctx, to)
	if err != nil {
		return "", "", apperr.StoreUnavailable("resolving recipient", err)
	}
	if account == nil {
		return "", "", apperr.UnknownRecipient("no such device or handle")
	}
	return account.ID, "", nil
}

// pushLive attempts immediate delivery and reports whether at least one
// live connection accepted the envelope.
func (e *Engine) pushLive(ctx context.Context, env *model.Envelope) bool {
	if env.RecipientDevice != "" {
		return e.pushToDevice(env.RecipientDevice, env)
	}

	sessions := e.registry.LookupByAccount(env.RecipientAccount)
	if len(sessions) == 0 {
		return false
	}

	if !e.fanoutAll {
		return e.pushToNewest(ctx, env.RecipientAccount, sessions, env)
	}

	delivered := false
	for _, sess := range sessions {
		if e.pushToDevice(sess.DeviceID(), env) {
			delivered = true
		}
	}
	return delivered
}

// pushToDevice writes the envelope to the device's registered connection,
// retrying once against the registry's current mapping when the first
// write loses a race with a close.
func (e *Engine) pushToDevice(deviceID string, env *model.Envelope) bool {
	frame := deliveredFrame(env, deviceID)
	for attempt := 0; attempt < 2; attempt++ {
		sess, ok := e.registry.LookupByDevice(deviceID)
		if !ok {
			return false
		}
		if err := sess.WriteJSON(frame); err == nil {
			return true
		}
	}
	return false
}

func (e *Engine) pushToNewest(ctx context.Context, accountID string, sessions []registry.Session, env *model.Envelope) bool {
	device, err := e.directory.MostRecentDevice(ctx, accountID)
	if err == nil && device != nil {
		for _, sess := range sessions {
			if sess.DeviceID() == device.ID {
				return e.pushToDevice(device.ID, env)
			}
		}
	}
	// Most-recently-seen device is not live; fall back to any live one.
	return e.pushToDevice(sessions[0].DeviceID(), env)
}

// DrainBacklog replays every pending envelope for the session's device,
// oldest first. Called on connect before the read loop starts. A store
// failure here is not fatal; the backlog is retried on the next connect.
func (e *Engine) DrainBacklog(ctx context.Context, sess registry.Session) {
	for {
		envelopes, err := e.store.DrainFor(ctx, sess.DeviceID(), sess.AccountID(), e.drainLimit)

		// Whatever came back has already left the store, even when the
		// drain stopped on an error. Deliver it before handling the
		// error or those envelopes are gone for good.
		for _, env := range envelopes {
			if werr := sess.WriteJSON(deliveredFrame(env, sess.DeviceID())); werr != nil {
				log.Debug("backlog replay write failed", zap.Error(werr), zap.String("device", sess.DeviceID()))
				return
			}
		}

		if err != nil {
			log.Error("draining backlog failed", zap.Error(err), zap.String("device", sess.DeviceID()))
			return
		}
		if len(envelopes) < e.drainLimit {
			return
		}
	}
}

// deliveredFrame addresses the envelope to the device it is being written
// to; account-addressed envelopes carry no recipient device of their own.
func deliveredFrame(env *model.Envelope, to string) *model.DeliveredFrame {
	return &model.DeliveredFrame{
		ID:          env.ID,
		From:        env.SenderDevice,
		To:          to,
		Ciphertext:  env.Ciphertext,
		ContentType: env.ContentType,
	}
}

func (e *Engine) sendAck(sess registry.Session, id, to, mode, clientMsgID string) {
	ack := &model.AckFrame{
		Type: "delivered",
		ID:   id,
		To:   to,
		Mode: mode,
		At:   time.Now().UTC(),
	}
	if clientMsgID != "" {
		ack.ClientMsgID = &clientMsgID
	}
	if err := sess.WriteJSON(ack); err != nil {
		log.Debug("writing ack failed", zap.Error(err), zap.String("device", sess.DeviceID()))
	}
}

func (e *Engine) sendError(sess registry.Session, err error) {
	frame := &model.ErrorFrame{
		Type:    "error",
		Code:    string(apperr.CodeOf(err)),
		Message: err.Error(),
	}
	if werr := sess.WriteJSON(frame); werr != nil {
		log.Debug("writing error frame failed", zap.Error(werr), zap.String("device", sess.DeviceID()))
	}
}

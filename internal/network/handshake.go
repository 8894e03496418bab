package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/energizer-project/worldgate/internal/auth"
	"github.com/energizer-project/worldgate/internal/compression"
	"github.com/energizer-project/worldgate/internal/crypt"
	"github.com/energizer-project/worldgate/internal/events"
	"github.com/energizer-project/worldgate/internal/metrics"
	"github.com/energizer-project/worldgate/internal/protocol"
)

// minPingInterval is the shortest gap between client pings that is not
// counted as overspeed.
const minPingInterval = 27 * time.Second

// authOutcome is what a credential lookup hands back to the connection.
type authOutcome struct {
	result     protocol.AuthResult
	account    *auth.AccountRecord
	connType   protocol.ConnectionType
	sessionKey []byte // set only for fresh logins; persisted on success
	encryptKey [crypt.KeySize]byte
	err        error
}

func reject(result protocol.AuthResult, err error) authOutcome {
	return authOutcome{result: result, err: err}
}

// consume routes raw bytes to the greeting matcher or the frame reader.
func (c *WorldConnection) consume(data []byte) error {
	if c.State() == StateAwaitingGreeting {
		need := len(protocol.ClientGreeting) - len(c.greeting)
		take := min(need, len(data))
		c.greeting = append(c.greeting, data[:take]...)
		data = data[take:]

		if !bytes.HasPrefix([]byte(protocol.ClientGreeting), c.greeting) {
			return wrapError(KindFraming, "bad client greeting", protocol.ErrInvalidGreeting)
		}
		if len(c.greeting) < len(protocol.ClientGreeting) {
			return nil
		}
		c.greeting = nil
		c.setState(StateAwaitingAuthRequest)

		challenge := protocol.AuthChallenge{
			DosChallenge: c.dosChallenge,
			Challenge:    c.serverChallenge,
			DosZeroBits:  c.deps.Settings.DosZeroBits,
		}
		if err := c.SendPacket(protocol.SMSGAuthChallenge, challenge.Encode()); err != nil {
			return wrapError(KindTransport, "failed to send auth challenge", err)
		}
	}

	if len(data) == 0 {
		return nil
	}
	if err := c.reader.Feed(data, c.handleFrame); err != nil {
		var ce *ConnError
		if errors.As(err, &ce) {
			return err
		}
		return wrapError(KindFraming, "invalid frame", err)
	}
	return nil
}

// handleFrame verifies and decrypts one frame, then dispatches it by state.
func (c *WorldConnection) handleFrame(hdr protocol.PacketHeader, body []byte) error {
	if !c.crypt.IsInitialized() {
		if !hdr.IsPlaintext() {
			return wrapError(KindFraming, "tag before encryption", protocol.ErrUnexpectedTag)
		}
	} else if !c.crypt.Decrypt(body, hdr.Tag) {
		return newError(KindTamper, "packet tag did not verify")
	}

	opcode, payload, err := protocol.SplitBody(body)
	if err != nil {
		return wrapError(KindFraming, "invalid body", err)
	}
	metrics.PacketReceived()
	return c.handlePacket(opcode, payload)
}

func (c *WorldConnection) handlePacket(opcode protocol.Opcode, payload []byte) error {
	switch state := c.State(); state {
	case StateAwaitingGreeting:
		return newError(KindSequence, "frame before greeting")

	case StateAwaitingAuthRequest:
		switch opcode {
		case protocol.CMSGAuthSession:
			return c.handleAuthSession(payload)
		case protocol.CMSGAuthContinuedSession:
			return c.handleAuthContinuedSession(payload)
		}
		return newError(KindSequence, fmt.Sprintf("unexpected %s before auth", opcode))

	case StateAwaitingCredentialLookup:
		return newError(KindSequence, fmt.Sprintf("%s while credential lookup pending", opcode))

	case StateAwaitingEncryptionAck:
		if opcode != protocol.CMSGEnterEncryptedModeAck {
			return newError(KindSequence, fmt.Sprintf("unexpected %s while awaiting encryption ack", opcode))
		}
		if len(payload) != 0 {
			return newError(KindFraming, "encryption ack carries a payload")
		}
		return c.handleEncryptionAck()

	case StateEstablished:
		return c.handleEstablished(opcode, payload, false)

	case StateClosed:
		return errConnectionClosed

	default:
		return newError(KindSequence, fmt.Sprintf("unknown state %d", state))
	}
}

func (c *WorldConnection) handleAuthSession(payload []byte) error {
	req, err := protocol.ParseAuthSession(payload)
	if err != nil {
		return wrapError(KindFraming, "malformed auth session", err)
	}
	c.setState(StateAwaitingCredentialLookup)
	c.logger.Debug().Uint32("build", req.Build).Uint32("realm_id", req.RealmID).Msg("auth session received")

	go c.runLookup(func(ctx context.Context) authOutcome {
		return c.authenticate(ctx, req)
	})
	return nil
}

func (c *WorldConnection) handleAuthContinuedSession(payload []byte) error {
	req, err := protocol.ParseAuthContinuedSession(payload)
	if err != nil {
		return wrapError(KindFraming, "malformed auth continued session", err)
	}
	c.setState(StateAwaitingCredentialLookup)
	c.logger.Debug().Msg("auth continued session received")

	go c.runLookup(func(ctx context.Context) authOutcome {
		return c.authenticateContinued(ctx, req)
	})
	return nil
}

// runLookup executes fn off the read goroutine and re-enters under the
// connection lock. Results for a connection that moved on are discarded.
func (c *WorldConnection) runLookup(fn func(ctx context.Context) authOutcome) {
	start := time.Now()
	var out authOutcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				out = reject(protocol.AuthSystemError, fmt.Errorf("lookup panicked: %v", r))
			}
		}()
		out = fn(c.ctx)
	}()
	metrics.ObserveLookup(time.Since(start))

	c.withLock(func() {
		if c.State() != StateAwaitingCredentialLookup {
			c.logger.Debug().Str("state", c.State().String()).Msg("discarding stale lookup result")
			return
		}
		c.completeAuth(out)
	})
}

// authenticate checks a fresh login.
func (c *WorldConnection) authenticate(ctx context.Context, req protocol.AuthSession) authOutcome {
	creds, realm := c.deps.Credentials, c.deps.Realm
	ip := c.remoteIP()

	if out, ok := c.checkDosResponse(req.DosResponse); !ok {
		return out
	}

	banned, err := creds.IsAddressBanned(ctx, ip)
	if err != nil {
		return reject(protocol.AuthSystemError, err)
	}
	if banned {
		return reject(protocol.AuthBanned, errors.New("address banned"))
	}

	if req.RealmID != realm.ID() {
		return reject(protocol.AuthFailed, fmt.Errorf("realm id %d does not match", req.RealmID))
	}

	account, err := creds.AccountByTicket(ctx, req.Ticket)
	if errors.Is(err, auth.ErrAccountNotFound) {
		return reject(protocol.AuthUnknownAccount, err)
	}
	if err != nil {
		return reject(protocol.AuthSystemError, err)
	}

	if !realm.AllowsBuild(req.Build) {
		return reject(protocol.AuthVersionMismatch, fmt.Errorf("build %d not allowed", req.Build))
	}

	keys := crypt.DeriveKeys(account.SharedSecret, c.serverChallenge, req.LocalChallenge)
	if !crypt.VerifyDigest(keys.Digest, req.Digest[:]) {
		return reject(protocol.AuthIncorrectPassword, errors.New("digest mismatch"))
	}

	if out, ok := c.checkAccount(ctx, account, ip); !ok {
		return out
	}

	if realm.IsClosed() {
		return reject(protocol.AuthUnavailable, errors.New("realm closed"))
	}
	if account.Security < realm.RequiredSecurity() {
		return reject(protocol.AuthReject, fmt.Errorf("security %s below %s", account.Security, realm.RequiredSecurity()))
	}

	return authOutcome{
		result:     protocol.AuthOK,
		account:    account,
		connType:   protocol.ConnectionTypeRealm,
		sessionKey: keys.SessionKey[:],
		encryptKey: keys.EncryptKey,
	}
}

// authenticateContinued checks a resumption on a secondary connection.
func (c *WorldConnection) authenticateContinued(ctx context.Context, req protocol.AuthContinuedSession) authOutcome {
	creds := c.deps.Credentials
	key := protocol.ParseConnectToKey(req.Key)

	if out, ok := c.checkDosResponse(req.DosResponse); !ok {
		return out
	}

	account, err := creds.AccountByID(ctx, key.AccountID)
	if errors.Is(err, auth.ErrAccountNotFound) {
		return reject(protocol.AuthUnknownAccount, err)
	}
	if err != nil {
		return reject(protocol.AuthSystemError, err)
	}
	if len(account.SessionKey) == 0 {
		return reject(protocol.AuthSessionExpired, errors.New("no session key on record"))
	}

	digest := crypt.ContinuedSessionDigest(account.SessionKey, req.Key, c.serverChallenge, req.LocalChallenge)
	if !crypt.VerifyDigest(digest, req.Digest[:]) {
		return reject(protocol.AuthIncorrectPassword, errors.New("continued session digest mismatch"))
	}
	if !creds.ConsumeResumeKey(key) {
		return reject(protocol.AuthSessionExpired, errors.New("resume key unknown or expired"))
	}

	if out, ok := c.checkAccount(ctx, account, c.remoteIP()); !ok {
		return out
	}

	return authOutcome{
		result:     protocol.AuthOK,
		account:    account,
		connType:   key.ConnectionType,
		encryptKey: crypt.DeriveEncryptKey(account.SessionKey, c.serverChallenge, req.LocalChallenge),
	}
}

// checkDosResponse verifies the proof of work requested in the challenge.
func (c *WorldConnection) checkDosResponse(response uint64) (authOutcome, bool) {
	bits := c.deps.Settings.DosZeroBits
	if !crypt.VerifyDosResponse(c.dosChallenge[:], response, bits) {
		return reject(protocol.AuthFailed, fmt.Errorf("dos response does not meet %d zero bits", bits)), false
	}
	return authOutcome{}, true
}

// checkAccount applies per-account bans and locks.
func (c *WorldConnection) checkAccount(ctx context.Context, account *auth.AccountRecord, ip string) (authOutcome, bool) {
	if account.Banned {
		return reject(protocol.AuthBanned, errors.New("account banned")), false
	}
	if account.LockedIP != "" && account.LockedIP != ip {
		return reject(protocol.AuthLockedEnforced, fmt.Errorf("account locked to %s", account.LockedIP)), false
	}
	if account.LockCountry != "" {
		country, err := c.deps.Credentials.CountryForAddress(ctx, ip)
		if err != nil {
			return reject(protocol.AuthSystemError, err), false
		}
		if country != account.LockCountry {
			return reject(protocol.AuthLockedEnforced, fmt.Errorf("account locked to country %s", account.LockCountry)), false
		}
	}
	return authOutcome{}, true
}

// completeAuth applies a lookup result. Caller holds mu.
func (c *WorldConnection) completeAuth(out authOutcome) {
	metrics.AuthResult(out.result.String())

	if out.result != protocol.AuthOK {
		var accountID uint32
		if out.account != nil {
			accountID = out.account.ID
		}
		c.deps.Bus.Emit(context.Background(), events.Event{
			Type:   events.EventAuthFailed,
			Source: "network",
			Payload: events.AuthFailedPayload{
				ConnID:     c.id,
				RemoteAddr: c.RemoteAddr(),
				AccountID:  accountID,
				Result:     out.result.String(),
			},
		})
		if err := c.SendPacket(protocol.SMSGAuthResponse, protocol.AuthResponse{Result: out.result}.Encode()); err != nil {
			c.logger.Debug().Err(err).Msg("failed to send auth response")
		}
		c.closeLocked(wrapError(KindAuth, "authentication rejected: "+out.result.String(), out.err))
		return
	}

	c.account = out.account
	c.encryptKey = out.encryptKey
	c.accountID.Store(out.account.ID)
	c.connType.Store(uint32(out.connType))
	c.logger = c.logger.With().Uint32("account_id", out.account.ID).Logger()

	if out.sessionKey != nil {
		c.deps.Credentials.PersistSessionKey(out.account.ID, out.sessionKey)
	}

	signal := protocol.EnterEncryptedMode{
		Signature: crypt.EnableEncryptionSignature(c.encryptKey, true),
		Enabled:   true,
	}
	if err := c.SendPacket(protocol.SMSGEnterEncryptedMode, signal.Encode()); err != nil {
		c.closeLocked(wrapError(KindTransport, "failed to send enter encrypted mode", err))
		return
	}
	c.setState(StateAwaitingEncryptionAck)
}

// handleEncryptionAck switches the cipher on and hands the connection to
// its session owner. Caller holds mu.
func (c *WorldConnection) handleEncryptionAck() error {
	c.writeMu.Lock()
	err := c.crypt.Initialize(c.encryptKey)
	c.writeMu.Unlock()
	if err != nil {
		return wrapError(KindSequence, "cipher initialization", err)
	}

	c.reader.SetLimit(protocol.MaxPacketSize)
	c.setState(StateEstablished)
	if c.timer != nil {
		c.timer.Stop()
	}

	resp := protocol.AuthResponse{
		Result:    protocol.AuthOK,
		AccountID: c.account.ID,
		Expansion: c.account.Expansion,
		Security:  uint8(c.account.Security),
	}
	if err := c.SendPacket(protocol.SMSGAuthResponse, resp.Encode()); err != nil {
		return wrapError(KindTransport, "failed to send auth response", err)
	}

	if c.deps.Owner != nil {
		c.dispatcher = c.deps.Owner.NotifyAuthenticated(c, c.account)
	}

	c.logger.Info().
		Str("connection_type", c.ConnectionType().String()).
		Str("suite", string(c.crypt.Suite())).
		Msg("session established")
	c.deps.Bus.Emit(context.Background(), events.Event{
		Type:   events.EventSessionAuthenticated,
		Source: "network",
		Payload: events.ConnectionPayload{
			ConnID:         c.id,
			RemoteAddr:     c.RemoteAddr(),
			AccountID:      c.account.ID,
			ConnectionType: c.ConnectionType().String(),
		},
	})
	return nil
}

// handleEstablished processes post-handshake traffic. Caller holds mu.
func (c *WorldConnection) handleEstablished(opcode protocol.Opcode, payload []byte, nested bool) error {
	switch opcode {
	case protocol.CMSGPing:
		return c.handlePing(payload)

	case protocol.CMSGKeepAlive:
		return nil

	case protocol.CMSGLogDisconnect:
		c.logger.Debug().Msg("client announced disconnect")
		return nil

	case protocol.SMSGCompressedPacket:
		if nested {
			return newError(KindFraming, "nested compressed packet")
		}
		inner, innerPayload, err := compression.Decompress(payload, protocol.MaxPacketSize)
		if err != nil {
			return wrapError(KindFraming, "invalid compressed packet", err)
		}
		return c.handleEstablished(inner, innerPayload, true)

	case protocol.CMSGAuthSession, protocol.CMSGAuthContinuedSession, protocol.CMSGEnterEncryptedModeAck:
		return newError(KindSequence, fmt.Sprintf("%s after authentication", opcode))
	}

	if c.dispatcher == nil {
		return nil
	}
	c.dispatcher.Dispatch(opcode, append([]byte(nil), payload...))
	return nil
}

func (c *WorldConnection) handlePing(payload []byte) error {
	ping, err := protocol.ParsePing(payload)
	if err != nil {
		return wrapError(KindFraming, "malformed ping", err)
	}

	now := time.Now()
	if !c.lastPing.IsZero() {
		if now.Sub(c.lastPing) < minPingInterval {
			c.overspeedPings++
			limit := c.deps.Settings.MaxOverspeedPings
			if limit > 0 && c.overspeedPings > limit && c.account.Security == auth.SecurityPlayer {
				return newError(KindSequence, fmt.Sprintf("%d overspeed pings", c.overspeedPings))
			}
		} else {
			c.overspeedPings = 0
		}
	}
	c.lastPing = now
	c.latency.Store(ping.Latency)

	if err := c.SendPacket(protocol.SMSGPong, protocol.Pong{Serial: ping.Serial}.Encode()); err != nil {
		return wrapError(KindTransport, "failed to send pong", err)
	}
	return nil
}

package session

import (
	"time"

	"github.com/energizer-project/worldgate/internal/protocol"
)

// RegisterDefaultHandlers installs the handlers worldgate serves itself.
func RegisterDefaultHandlers(d *Dispatcher) {
	d.Register(protocol.CMSGTimeSyncResponse, OpcodeHandler{
		Name:    "time_sync_response",
		Mode:    ProcessThreadSafe,
		Handler: handleTimeSyncResponse,
	})
	d.Register(protocol.CMSGQueryTime, OpcodeHandler{
		Name:    "query_time",
		Mode:    ProcessQueued,
		Handler: handleQueryTime,
	})
	d.Register(protocol.CMSGLogoutRequest, OpcodeHandler{
		Name:    "logout_request",
		Mode:    ProcessQueued,
		Handler: handleLogoutRequest,
	})
}

// Format: [counter:4][client_ticks:4]
func handleTimeSyncResponse(s *WorldSession, payload []byte) error {
	r := protocol.NewPacketReader(payload)
	counter := r.ReadUint32()
	ticks := r.ReadUint32()
	if err := r.Err(); err != nil {
		return errShortPayload("time sync response", err)
	}
	s.timeSyncCounter.Store(counter)
	s.clientTicks.Store(ticks)
	return nil
}

// Reply format: [server_time:8] unix seconds
func handleQueryTime(s *WorldSession, _ []byte) error {
	payload := protocol.NewPacketBuilder().WriteInt64(time.Now().Unix()).Build()
	return s.SendPacket(protocol.SMSGQueryTimeResponse, payload)
}

func handleLogoutRequest(s *WorldSession, _ []byte) error {
	if err := s.SendPacket(protocol.SMSGLogoutComplete, nil); err != nil {
		return err
	}
	s.Kick("logout")
	return nil
}

// TimeSync returns the last time sync counter and client tick count.
func (s *WorldSession) TimeSync() (counter, ticks uint32) {
	return s.timeSyncCounter.Load(), s.clientTicks.Load()
}

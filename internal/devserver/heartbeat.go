package devserver

import (
	"time"

	"github.com/whisper/chat-client/internal/protocol"
)

// startHeartbeat pings every socket each PingInterval and evicts those that
// have not answered within PingInterval + PingTimeout. It exits when the
// server is closed.
func (s *Server) startHeartbeat() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkSockets()
			}
		}
	}()
}

func (s *Server) checkSockets() {
	deadline := s.config.PingInterval + s.config.PingTimeout
	now := time.Now()

	for _, sock := range s.sockets.All() {
		if idle := now.Sub(sock.LastSeen()); idle > deadline {
			s.log.Info().Str("sid", sock.ID).Dur("idle", idle.Round(time.Millisecond)).Msg("[devserver] heartbeat timeout")
			s.removeSocket(sock)
			continue
		}
		if err := sock.Send(protocol.Packet{Type: protocol.PacketPing}, s.config.WriteTimeout); err != nil {
			s.log.Debug().Err(err).Str("sid", sock.ID).Msg("[devserver] ping failed")
			s.removeSocket(sock)
		}
	}
}

package netstack

// SweepTimeouts runs one pass of the periodic TCP timeout sweep. Connections
// past their force-close deadline are torn down; connections past their
// regular deadline run the timeout handler for their state.
//
// The pass walks the whole table in one step; a very large table delays
// packet processing for its duration.
func (s *Stack) SweepTimeouts() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var forced, expired []*tcpConn
	s.tcpConns.Ascend(func(c *tcpConn) bool {
		switch {
		case c.forceCloseArmed && now.After(c.forceCloseExpire):
			forced = append(forced, c)
		case now.After(c.timeoutExpire):
			expired = append(expired, c)
		}
		return true
	})

	for _, c := range forced {
		s.log.Info("tcp: force closing connection", "tuple", c.key, "state", c.state)
		c.cleanup("force close timeout")
	}
	for _, c := range expired {
		if !c.removed {
			c.onTimeout()
		}
	}
}

// onTimeout re-sends whatever the current state is waiting on and re-arms
// the deadline. There is no backoff.
func (c *tcpConn) onTimeout() {
	c.resetTimeout()
	switch c.state {
	case TCPStateSynSent:
		c.sendSyn()
	case TCPStateSynReceived:
		if c.activated {
			c.sendSynAck()
		}
	case TCPStateEstablished, TCPStateCloseWait:
		// Go back to the oldest unacknowledged byte.
		c.sentIndex = c.seqIndex
		c.sendSegment()
	case TCPStateFinWait1, TCPStateLastAck:
		finWasSent := c.finSent
		c.sentIndex = c.seqIndex
		c.sendSegment()
		if finWasSent && c.sentIndex == c.finSeq {
			c.sendFin()
		}
	case TCPStateClosing:
		if !c.finSent {
			c.sentIndex = c.seqIndex
			c.sendSegment()
			return
		}
		c.sendAck()
	case TCPStateTimeWait:
		c.cleanup("time wait expired")
	}
}

/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tcpstack

// armRetransmit starts (or restarts) the retransmit timer for the
// currently outstanding segment at the connection's current RTO.
func (c *Conn) armRetransmit() {
	c.Timer = c.RTO
}

// initRTOActiveOpen seeds the RTT estimator for a freshly active-opened
// connection (sa=0, sv=4), per §4.2 RTT estimator.
func (c *Conn) initRTOActiveOpen() {
	c.SA = 0
	c.SV = 4
	c.RTO = RTO
}

// initRTOPassiveOpen seeds the RTT estimator for a passively opened
// (listener-accepted) connection (sv=16).
func (c *Conn) initRTOPassiveOpen() {
	c.SA = 0
	c.SV = 16
	c.RTO = RTO
}

// updateRTT applies the Van Jacobson integer-form estimator on a fresh
// ACK (nrtx == 0 at the time of the ACK). m is rto - timer, i.e. the
// ticks actually elapsed before the ACK arrived relative to how many
// ticks were budgeted.
func (c *Conn) updateRTT() {
	m := c.RTO - c.Timer
	c.SA += m - c.SA/8
	dev := m - c.SV/4
	if dev < 0 {
		dev = -dev
	}
	c.SV += dev
	c.RTO = c.SA/8 + c.SV
}

// tickRetransmitTimer decrements the retransmit timer for an outstanding
// segment. It returns true when the timer has expired and a retransmit
// decision is needed.
func (c *Conn) tickRetransmitTimer() bool {
	if c.Timer <= 0 {
		return true
	}
	c.Timer--
	return c.Timer <= 0
}

// backoff computes the next retransmit interval using exponential
// backoff capped at a shift of 4, and increments NRtx. Per §4.2:
// timer = RTO << min(nrtx, 4).
func (c *Conn) backoff() {
	shift := c.NRtx
	if shift > 4 {
		shift = 4
	}
	c.Timer = c.RTO << uint(shift)
	c.NRtx++
}

// rtxCeiling returns the retransmit ceiling applicable to c's current
// state: MaxSynRtx while still completing the handshake, MaxRtx
// otherwise. The Open Question in spec.md §9 about the boundary between
// active- and passive-open SYN retries is resolved here by applying the
// same >= comparison uniformly in both SYN_SENT and SYN_RCVD.
func (c *Conn) rtxCeiling() int {
	if c.State == StateSynSent || c.State == StateSynRcvd {
		return MaxSynRtx
	}
	return MaxRtx
}

// rtxExhausted reports whether c has hit its retransmit ceiling.
func (c *Conn) rtxExhausted() bool {
	return c.NRtx >= c.rtxCeiling()
}

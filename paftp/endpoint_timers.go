// SPDX-FileCopyrightText: 2025 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package paftp

import (
	log "github.com/sirupsen/logrus"
)

// Timer handling of the Endpoint. All timers are one-shot and idempotent to
// cancel; each one's flag in timerFlags guards its callback against the
// event-based race of a cancellation crossing an already queued fire.

func (ep *Endpoint) startConnectTimer() {
	ep.timerFlags |= timerConnect
	ep.connectTimer = ep.system.StartTimer(ConnectTimeout, ep.handleConnectTimeout)
}

func (ep *Endpoint) stopConnectTimer() {
	if ep.connectTimer != nil {
		ep.connectTimer.Cancel()
	}
	ep.timerFlags &^= timerConnect
}

func (ep *Endpoint) handleConnectTimeout() {
	if !ep.timerFlags.Has(timerConnect) {
		return
	}
	ep.timerFlags &^= timerConnect

	log.WithField("session", ep.session).Error("Connect handshake timed out")
	ep.doClose(closeAbortTransmission, ErrConnectTimedOut)
}

func (ep *Endpoint) startAckReceivedTimer() {
	if !ep.timerFlags.Has(timerAckReceived) {
		ep.timerFlags |= timerAckReceived
		ep.ackReceivedTimer = ep.system.StartTimer(AckTimeout, ep.handleAckReceivedTimeout)
	}
}

func (ep *Endpoint) restartAckReceivedTimer() {
	if ep.timerFlags.Has(timerAckReceived) {
		ep.stopAckReceivedTimer()
		ep.startAckReceivedTimer()
	}
}

func (ep *Endpoint) stopAckReceivedTimer() {
	if ep.ackReceivedTimer != nil {
		ep.ackReceivedTimer.Cancel()
	}
	ep.timerFlags &^= timerAckReceived

	// Without pending retransmissions the saved datagram is obsolete.
	if ep.retransmitCount == 0 {
		ep.lastTxPacket = nil
	}
}

// handleAckReceivedTimeout retransmits the last datagram, bounded by
// MaxRetransmitAttempts, and closes the Endpoint afterwards.
func (ep *Endpoint) handleAckReceivedTimeout() {
	if !ep.timerFlags.Has(timerAckReceived) {
		return
	}
	ep.timerFlags &^= timerAckReceived

	ep.retransmitCount++

	if ep.retransmitCount > MaxRetransmitAttempts {
		log.WithFields(log.Fields{
			"session":  ep.session,
			"attempts": MaxRetransmitAttempts,
		}).Error("No fragment ack even after retransmissions, closing endpoint")
		ep.engine.LogStateDebug()

		ep.doClose(closeAbortTransmission, ErrFragmentAckTimedOut)
		return
	}

	if ep.lastTxPacket == nil {
		log.WithField("session", ep.session).Error("No datagram available to retransmit")
		ep.doClose(closeAbortTransmission, ErrFragmentAckTimedOut)
		return
	}

	log.WithFields(log.Fields{
		"session": ep.session,
		"attempt": ep.retransmitCount,
		"max":     MaxRetransmitAttempts,
		"length":  ep.lastTxPacket.Len(),
	}).Warn("Fragment ack timed out, retransmitting last datagram")

	ep.connFlags |= connOperationInFlight
	if err := ep.transport.SendMessage(ep.session, ep.lastTxPacket); err != nil {
		ep.doClose(closeAbortTransmission, err)
		return
	}

	ep.startAckReceivedTimer()
}

func (ep *Endpoint) startSendAckTimer() {
	if !ep.timerFlags.Has(timerSendAck) {
		ep.timerFlags |= timerSendAck
		ep.sendAckTimer = ep.system.StartTimer(SendAckTimeout, ep.handleSendAckTimeout)
	}
}

func (ep *Endpoint) stopSendAckTimer() {
	if ep.sendAckTimer != nil {
		ep.sendAckTimer.Cancel()
	}
	ep.timerFlags &^= timerSendAck
}

func (ep *Endpoint) handleSendAckTimeout() {
	if !ep.timerFlags.Has(timerSendAck) {
		return
	}
	ep.timerFlags &^= timerSendAck

	if !ep.connFlags.Has(connStandAloneAckInFlight) {
		if err := ep.driveStandAloneAck(); err != nil {
			ep.doClose(closeAbortTransmission, err)
		}
	}
}

// startWaitResourceTimer counts the transport's unavailability periods and
// aborts once their cap is reached.
func (ep *Endpoint) startWaitResourceTimer() {
	ep.resourceWaitCount++
	if ep.resourceWaitCount >= MaxResourceBlockCount {
		log.WithField("session", ep.session).Error(
			"Network resources have been unavailable for a long time")
		ep.resourceWaitCount = 0
		ep.doClose(closeAbortTransmission, ErrNotConnected)
		return
	}

	if !ep.timerFlags.Has(timerWaitResource) {
		ep.timerFlags |= timerWaitResource
		ep.waitResTimer = ep.system.StartTimer(WaitResourceTimeout, ep.handleWaitResourceTimeout)
	}
}

func (ep *Endpoint) stopWaitResourceTimer() {
	if ep.waitResTimer != nil {
		ep.waitResTimer.Cancel()
	}
	ep.timerFlags &^= timerWaitResource
}

func (ep *Endpoint) handleWaitResourceTimeout() {
	if !ep.timerFlags.Has(timerWaitResource) {
		return
	}
	ep.timerFlags &^= timerWaitResource

	if err := ep.driveSending(); err != nil {
		ep.doClose(closeAbortTransmission, err)
	}
}

func (ep *Endpoint) startRetransmitTimer() {
	if !ep.timerFlags.Has(timerRetransmit) {
		ep.timerFlags |= timerRetransmit
		ep.retransmitTimer = ep.system.StartTimer(RetransmitTimeout, ep.handleRetransmitTimeout)
	}
}

func (ep *Endpoint) stopRetransmitTimer() {
	if ep.retransmitTimer != nil {
		ep.retransmitTimer.Cancel()
	}
	ep.timerFlags &^= timerRetransmit
}

func (ep *Endpoint) handleRetransmitTimeout() {
	if !ep.timerFlags.Has(timerRetransmit) {
		return
	}
	ep.timerFlags &^= timerRetransmit

	if ep.retransmitCount >= MaxRetransmitAttempts {
		log.WithFields(log.Fields{
			"session":  ep.session,
			"attempts": ep.retransmitCount,
		}).Error("Max retransmission attempts reached, giving up")

		ep.doClose(closeAbortTransmission, ErrMaxRetransmitAttemptsReached)
		return
	}

	if err := ep.retransmitLastPacket(); err != nil {
		ep.doClose(closeAbortTransmission, err)
	}
}

// retransmitLastPacket re-hands the retained datagram to the transport.
func (ep *Endpoint) retransmitLastPacket() error {
	if ep.lastTxPacket == nil {
		return ErrIncorrectState
	}

	ep.retransmitCount++

	log.WithFields(log.Fields{
		"session": ep.session,
		"attempt": ep.retransmitCount,
		"max":     MaxRetransmitAttempts,
		"length":  ep.lastTxPacket.Len(),
	}).Warn("Retransmitting last datagram")

	ep.connFlags |= connOperationInFlight
	if err := ep.transport.SendMessage(ep.session, ep.lastTxPacket); err != nil {
		return err
	}

	ep.startRetransmitTimer()
	return nil
}

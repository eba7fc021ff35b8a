package session

import (
	"time"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/metrics"
)

// Demo partner of the simulated room.
const (
	DemoUserID      = "demo-user"
	DemoUserName    = "Demo User"
	DemoMessageText = "Hello! This is a demo message from the simulated room."
)

// Default delays of the simulation script.
const (
	DefaultPartnerJoinDelay    = 2 * time.Second
	DefaultPartnerMessageDelay = 3 * time.Second
)

// DemoUser is the synthetic participant that joins every simulated room.
var DemoUser = chat.Participant{ID: DemoUserID, DisplayName: DemoUserName}

// runSimulation plays the simulated room script for one join: the local
// participant alone is announced synchronously, the demo partner joins after
// PartnerJoinDelay, and it says hello PartnerMessageDelay later. gen is the
// scheduler generation captured when the join was committed; if it has been
// cancelled in the meantime nothing is scheduled.
func (m *Manager) runSimulation(gen uint64, snapshot []chat.Participant) {
	m.events.userList(snapshot)

	m.sched.schedule(gen, m.cfg.PartnerJoinDelay, func() {
		if !m.partnerJoins(gen) {
			return
		}
		m.sched.schedule(gen, m.cfg.PartnerMessageDelay, func() {
			if !m.sched.live(gen) {
				return
			}
			metrics.ClientMessagesTotal.WithLabelValues("received", ModeSimulated.String()).Inc()
			m.events.message(chat.NewChatEvent(DemoUser, DemoMessageText))
		})
	})
}

// partnerJoins adds the demo partner to the join of generation gen and emits
// the new membership. Membership is only touched under m.mu while gen is
// live, so a leave and rejoin racing the timer cannot receive the partner.
func (m *Manager) partnerJoins(gen uint64) bool {
	m.mu.Lock()
	if !m.sched.live(gen) {
		m.mu.Unlock()
		return false
	}
	m.members.Add(DemoUser)
	snapshot := m.members.Snapshot()
	m.mu.Unlock()

	m.events.userList(snapshot)
	m.log.Debug("simulated partner joined", "partner", DemoUserName)
	return true
}

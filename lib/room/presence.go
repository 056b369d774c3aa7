/*
Copyright 2025 Coscribe, Inc.

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

package room

import (
	"sort"
	"time"

	"github.com/coscribe/coscribe/lib/protocol"
)

// Subscriber is the narrow interface a room holds on a session. Send
// must never block: it enqueues the packet and reports whether it was
// accepted. Kick delivers a final ERROR frame and closes the session.
type Subscriber interface {
	// ID identifies the session, not the client. Two sessions claiming
	// one clientId have distinct IDs, which is how preemption and stale
	// commands are told apart.
	ID() string
	Send(pkt *protocol.Packet) bool
	Kick(reason protocol.Reason, message string)
}

// party is one room member: the claimed identity, its advisory cursor
// state and the session currently speaking for it.
type party struct {
	clientID   string
	userID     string
	cursor     *protocol.Cursor
	selection  *protocol.Selection
	sub        Subscriber
	joinedAt   time.Time
	lastActive time.Time
}

func (p *party) participant() protocol.Participant {
	return protocol.Participant{
		ClientID:  p.clientID,
		UserID:    p.userID,
		Cursor:    p.cursor,
		Selection: p.selection,
	}
}

// PartyInfo extends the wire participant with the activity timestamps
// the debug endpoint reports. The wire shape stays lean on purpose.
type PartyInfo struct {
	protocol.Participant
	JoinedAt     time.Time `json:"joinedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (p *party) info() PartyInfo {
	return PartyInfo{
		Participant:  p.participant(),
		JoinedAt:     p.joinedAt,
		LastActivity: p.lastActive,
	}
}

func (r *Room) partyInfos() []PartyInfo {
	out := make([]PartyInfo, 0, len(r.parties))
	for _, p := range r.parties {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// roster returns the current participants sorted by clientId, so acks
// and the debug endpoint are deterministic.
func (r *Room) roster() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.parties))
	for _, p := range r.parties {
		out = append(out, p.participant())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

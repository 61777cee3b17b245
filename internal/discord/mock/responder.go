// Package mock provides test doubles for the discord package.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Responder records interaction responses instead of sending them. It
// satisfies discord.Responder.
type Responder struct {
	mu   sync.Mutex
	sent []*discordgo.InteractionResponse

	// Err, when set, is returned from every InteractionRespond call. The
	// response is still recorded.
	Err error
}

func (m *Responder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, resp)
	return m.Err
}

// Sent returns a copy of every recorded response in send order.
func (m *Responder) Sent() []*discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*discordgo.InteractionResponse(nil), m.sent...)
}

// Last returns the most recent response, or nil when nothing was sent.
func (m *Responder) Last() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

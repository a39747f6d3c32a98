package websocket

// HubPublisher adapts a Hub to usecase.EventPublisher without the
// application layer needing to import this package — usecase defines the
// interface, this file only implements it.
type HubPublisher struct {
	hub *Hub
}

// NewHubPublisher wraps hub as an event publisher for the Orchestrator Core.
func NewHubPublisher(hub *Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// Publish translates a plain event kind into a WSMessage and fans it out to
// every session subscribed to conversationID.
func (p *HubPublisher) Publish(conversationID, eventType string, content string, metadata map[string]interface{}) {
	p.hub.Publish(conversationID, &WSMessage{
		Type:     MessageType(eventType),
		SessionID: conversationID,
		Content:  content,
		Metadata: metadata,
	})
}

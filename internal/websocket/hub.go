package chatws

import "sync"

// Hub tracks live clients per user so the server can report and drain
// connections on shutdown.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	shutdown   chan chan struct{}
	stopped    chan struct{}

	countMu sync.Mutex
	count   int
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan chan struct{}),
		stopped:    make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.adjust(1)
		case client := <-h.unregister:
			h.remove(client)
		case done := <-h.shutdown:
			for _, set := range h.clients {
				for client := range set {
					h.remove(client)
				}
			}
			close(h.stopped)
			close(done)
			return
		}
	}
}

// Register reports false once the hub has shut down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// Shutdown closes every client's outbound queue, which ends its write
// pump and connection, and stops Run.
func (h *Hub) Shutdown() {
	done := make(chan struct{})
	select {
	case h.shutdown <- done:
		<-done
	case <-h.stopped:
	}
}

// ConnectionCount reports registered clients.
func (h *Hub) ConnectionCount() int {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	return h.count
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, exists := set[client]; exists {
		delete(set, client)
		client.closeSend()
		h.adjust(-1)
	}
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) adjust(delta int) {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	h.count += delta
}

package gateway

import (
	"sort"
	"sync"
	"time"
)

// idleAfter marks a client idle in ClientInfo
const idleAfter = 5 * time.Minute

// ClientRegistry tracks connected websocket clients and the agent runs each
// of them started
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	runs    map[string]map[string]struct{} // client id -> session ids
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		runs:    make(map[string]map[string]struct{}),
	}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

// Remove forgets the client and returns the sessions it was still running
func (r *ClientRegistry) Remove(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	running := sortedKeys(r.runs[clientID])
	delete(r.runs, clientID)
	return running
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// All returns every registered client
func (r *ClientRegistry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// Authenticated returns the clients allowed to receive events
func (r *ClientRegistry) Authenticated() []*Client {
	var clients []*Client
	for _, client := range r.All() {
		if client.IsAuthenticated() {
			clients = append(clients, client)
		}
	}
	return clients
}

// BeginRun records that clientID is running sessionID. Unknown clients are ignored.
func (r *ClientRegistry) BeginRun(clientID, sessionID string) {
	if clientID == "" || sessionID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; !ok {
		return
	}
	if r.runs[clientID] == nil {
		r.runs[clientID] = make(map[string]struct{})
	}
	r.runs[clientID][sessionID] = struct{}{}
}

func (r *ClientRegistry) EndRun(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.runs[clientID], sessionID)
	if len(r.runs[clientID]) == 0 {
		delete(r.runs, clientID)
	}
}

// Runs returns the sessions clientID is running
func (r *ClientRegistry) Runs(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.runs[clientID])
}

// Snapshot describes every client, oldest connection first
func (r *ClientRegistry) Snapshot() []ClientInfo {
	now := time.Now()
	clients := r.All()
	infos := make([]ClientInfo, 0, len(clients))

	for _, client := range clients {
		client.mu.Lock()
		info := ClientInfo{
			ID:            client.ID,
			Authenticated: client.Authenticated,
			ConnectedAt:   client.ConnectedAt,
			LastActivity:  client.LastActivity,
			IPAddress:     client.IPAddress,
			Idle:          now.Sub(client.LastActivity) > idleAfter,
		}
		client.mu.Unlock()
		info.Runs = r.Runs(client.ID)
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

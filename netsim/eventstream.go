package netsim

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// EventStream is an optional HTTP+WS endpoint that live-streams a Model's
// events to connected dashboards, so external tooling can observe
// CONDITION_CHANGED/PARTITION_STARTED/etc. without polling the REPL's
// "events" command.
type EventStream struct {
	address  string
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	mu       sync.Mutex
	quit     chan struct{}
}

// NewEventStream creates an EventStream bound to address (e.g. ":9100").
func NewEventStream(address string) *EventStream {
	return &EventStream{
		address: address,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*websocket.Conn]bool),
		quit:    make(chan struct{}),
	}
}

// Attach registers the stream as the model's event sink and starts the
// HTTP server in the background.
func (s *EventStream) Attach(m *Model) {
	m.OnEvent(s.publish)
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWebSocket)
	server := &http.Server{Addr: s.address, Handler: mux}

	log.Printf("event stream listening on %s (ws://%s/events)\n", s.address, s.address)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("event stream stopped: %v\n", err)
		}
	}()
	go func() {
		<-s.quit
		server.Close()
	}()
}

func (s *EventStream) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("event stream: failed to upgrade connection: %v\n", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	// The stream is write-only from the server's point of view; block on
	// reads purely to notice client disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *EventStream) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("event stream: failed to marshal event: %v\n", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

// Stop closes the HTTP server and all connected clients.
func (s *EventStream) Stop() {
	close(s.quit)
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
}

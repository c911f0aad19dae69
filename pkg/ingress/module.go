package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"ticktack/pkg/config"
	"ticktack/pkg/directory"
	"ticktack/pkg/protocol"
	"ticktack/pkg/session"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// MESSAGE_LIMIT is how many outbound frames a connection may have
// queued before it is considered too slow to keep.
const MESSAGE_LIMIT = 64

// WSConnection adapts one websocket to what sessions expect. Send and
// Close never block: frames go through a buffered channel drained by
// the handler loop, and a reader that cannot keep up is cut loose.
type WSConnection struct {
	id   uint32
	host string

	send      chan []byte
	closed    chan string
	closeSlow func()
}

var _ session.Connection = (*WSConnection)(nil)

func (c *WSConnection) ID() uint32 {
	return c.id
}

func (c *WSConnection) Host() string {
	return c.host
}

func (c *WSConnection) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		go c.closeSlow()
	}
}

func (c *WSConnection) Close(reason string) {
	select {
	case c.closed <- reason:
	default:
	}
}

type WSIngress struct {
	directory  *directory.Directory
	settings   config.IngressSettings
	clients    map[*WSConnection]struct{}
	mutex      sync.Mutex
	counter    atomic.Uint32
	httpServer *http.Server
}

func NewWSIngress(dir *directory.Directory, settings config.IngressSettings) *WSIngress {
	return &WSIngress{
		directory: dir,
		settings:  settings,
		clients:   make(map[*WSConnection]struct{}),
	}
}

func WriteTimeout(ctx context.Context, timeout time.Duration, c *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageBinary, msg)
}

func (server *WSIngress) AddClient(s *WSConnection) {
	server.mutex.Lock()
	server.clients[s] = struct{}{}
	server.mutex.Unlock()
}

func (server *WSIngress) RemoveClient(client *WSConnection) {
	server.mutex.Lock()
	delete(server.clients, client)
	server.mutex.Unlock()
}

// Count reports how many connections are currently attached.
func (server *WSIngress) Count() int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return len(server.clients)
}

func (server *WSIngress) limiter() *rate.Limiter {
	if server.settings.CommandRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(
		rate.Limit(server.settings.CommandRate),
		server.settings.CommandBurst,
	)
}

func (server *WSIngress) HandleClient(
	ctx context.Context,
	c *websocket.Conn,
	entry string,
	host string,
) error {
	client := &WSConnection{
		id:     server.counter.Add(1),
		host:   host,
		send:   make(chan []byte, MESSAGE_LIMIT),
		closed: make(chan string, 1),
	}
	client.closeSlow = func() {
		c.Close(websocket.StatusPolicyViolation, "connection too slow to keep up with messages")
	}

	server.AddClient(client)
	defer server.RemoveClient(client)

	logger := log.With().
		Uint32("client", client.id).
		Str("host", host).
		Str("entry", entry).
		Logger()

	sess, role, err := server.directory.JoinOrCreate(ctx, entry, client)
	if err != nil {
		logger.Error().Err(err).Msg("could not join session")
		return err
	}
	defer sess.Leave(client.id)

	logger.Info().Str("role", role.String()).Msg("client joined")

	limiter := server.limiter()

	receive := make(chan []byte)
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			typ, message, err := c.Read(ctx)
			if err != nil {
				close(receive)
				return
			}
			if typ != websocket.MessageBinary {
				continue
			}

			select {
			case receive <- message:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-receive:
			if !ok {
				logger.Info().Msg("client left")
				return nil
			}

			if !limiter.Allow() {
				logger.Warn().Msg("client over command rate limit")
				continue
			}

			var submit protocol.SubmitMessage
			if err := cbor.Unmarshal(msg, &submit); err == nil &&
				submit.Op == protocol.SubmitOp {
				sess.Submit(client.id, submit.Seq, submit.Payload)
			}
		case msg := <-client.send:
			err := WriteTimeout(ctx, time.Second*5, c, msg)
			if err != nil {
				logger.Error().Msg("client missed write timeout; disconnecting")
				return err
			}
		case reason := <-client.closed:
			// The session is done with this peer; flush what is queued
			// and close cleanly.
			for {
				select {
				case msg := <-client.send:
					WriteTimeout(ctx, time.Second, c, msg)
				default:
					c.Close(websocket.StatusNormalClosure, reason)
					logger.Info().Str("reason", reason).Msg("client closed")
					return nil
				}
			}
		case <-ctx.Done():
			logger.Info().Msg("client left")
			return ctx.Err()
		}
	}
}

func (server *WSIngress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entry := r.PathValue("entry")
	if entry == "" {
		http.Error(w, "missing entry", http.StatusBadRequest)
		return
	}

	origins := server.settings.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		log.Error().Err(err).Msg("error accepting client connection")
		return
	}

	defer c.Close(websocket.StatusInternalError, "operational fault during relay")

	// We may be behind a proxy, so check this first
	hostname := r.RemoteAddr
	original, ok := r.Header["X-Forwarded-For"]
	if ok {
		hostname = original[0]
	}

	err = server.HandleClient(r.Context(), c, entry, hostname)
	if errors.Is(err, context.Canceled) {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
		websocket.CloseStatus(err) == websocket.StatusGoingAway {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("client handler failed")
	}
}

func (server *WSIngress) Serve(ctx context.Context, port int, handler http.Handler) error {
	listen, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		log.Error().Err(err).Msg("failed to bind WebSocket port")
		return err
	}

	log.Printf("listening on http://%v", listen.Addr())

	httpServer := &http.Server{
		Handler: handler,
	}
	server.httpServer = httpServer

	return httpServer.Serve(listen)
}

func (server *WSIngress) Shutdown(ctx context.Context) {
	if server.httpServer != nil {
		server.httpServer.Shutdown(ctx)
	}
}

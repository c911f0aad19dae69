package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"ticktack/pkg/chanlock"
	"ticktack/pkg/game"
	"ticktack/pkg/protocol"
	"ticktack/pkg/utils"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("session closed")

type Config struct {
	// Commands one connection may keep waiting for its turn; past this
	// the oldest is dropped.
	QueueDepth int
	// How long a session may sit with a player seat empty before it is
	// reclaimed. Zero disables the timeout.
	AbandonTimeout time.Duration
	// Whether a sealed session hands a vacated seat to a fresh joiner
	// when no spectator is waiting.
	AllowRefill bool
	// Ticks between full state snapshots on the record feed.
	KeyframeEvery uint64
}

func DefaultConfig() Config {
	return Config{
		QueueDepth:     8,
		AbandonTimeout: 5 * time.Minute,
		AllowRefill:    true,
		KeyframeEvery:  16,
	}
}

// TickRecord is published after every advanced tick for journals and
// other observers. State is only filled on keyframe ticks.
type TickRecord struct {
	Session string
	Tick    uint64
	Delta   []byte
	State   []byte
}

type joinRequest struct {
	conn  Connection
	reply chan joinReply
}

type joinReply struct {
	role game.Role
	err  error
}

type leaveRequest struct {
	id uint32
}

type submitRequest struct {
	id      uint32
	seq     uint32
	payload []byte
}

type stopRequest struct {
	reason string
}

type staged struct {
	conn uint32
	cmd  game.Command
}

// Server hosts one game. A single goroutine (Poll) owns the state, the
// tick counter and all staged commands; joins, leaves and submissions
// arrive as messages, so tick cycles and membership changes are
// serialized by construction.
type Server struct {
	utils.Session

	id     string
	entry  string
	rules  game.Rules
	config Config
	log    zerolog.Logger

	registry *Registry
	inbox    chan any

	state game.State
	tick  atomic.Uint64

	staged  []staged
	lastSeq map[uint32]uint32

	records *utils.Topic[TickRecord]
}

func New(ctx context.Context, entry string, rules game.Rules, config Config) *Server {
	id := uuid.NewString()
	logger := log.With().
		Str("session", id[:8]).
		Str("entry", entry).
		Str("ruleset", rules.Name()).
		Logger()

	return &Server{
		Session:  utils.NewSession(ctx),
		id:       id,
		entry:    entry,
		rules:    rules,
		config:   config,
		log:      logger,
		registry: NewRegistry(),
		inbox:    make(chan any, 64),
		state:    rules.Init(),
		lastSeq:  make(map[uint32]uint32),
		records:  utils.NewTopic[TickRecord](),
	}
}

func (s *Server) ID() string {
	return s.id
}

func (s *Server) Entry() string {
	return s.entry
}

func (s *Server) Rules() game.Rules {
	return s.rules
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Tick() uint64 {
	return s.tick.Load()
}

func (s *Server) Records() *utils.Topic[TickRecord] {
	return s.records
}

func (s *Server) Logger() zerolog.Logger {
	return s.log
}

// Join admits a connection, welcomes it with the current state and
// returns its role. Joins serialize with tick cycles, so the role seen
// here is exact, not a guess.
func (s *Server) Join(ctx context.Context, conn Connection) (game.Role, error) {
	reply := make(chan joinReply, 1)
	select {
	case s.inbox <- joinRequest{conn: conn, reply: reply}:
	case <-s.Ctx().Done():
		return game.RoleNone, ErrClosed
	case <-ctx.Done():
		return game.RoleNone, ctx.Err()
	}

	select {
	case result := <-reply:
		return result.role, result.err
	case <-s.Ctx().Done():
		return game.RoleNone, ErrClosed
	}
}

// Leave detaches a connection. Unknown ids are ignored; losing a
// connection is not an error.
func (s *Server) Leave(id uint32) {
	select {
	case s.inbox <- leaveRequest{id: id}:
	case <-s.Ctx().Done():
	}
}

// Submit stages one command. Per-connection arrival order is kept;
// nothing comes back unless the command is rejected or dropped.
func (s *Server) Submit(id uint32, seq uint32, payload []byte) {
	select {
	case s.inbox <- submitRequest{id: id, seq: seq, payload: payload}:
	case <-s.Ctx().Done():
	}
}

// Stop winds the session down, telling every connection why.
func (s *Server) Stop(reason string) {
	select {
	case s.inbox <- stopRequest{reason: reason}:
	case <-s.Ctx().Done():
	}
}

// Poll runs the session until it ends. Clock-driven rulesets tick on a
// timer and take whatever arrived since the last tick; everything else
// ticks as eligible commands turn up.
func (s *Server) Poll(ctx context.Context) {
	s.log.Info().Msg("session opened")

	lock := chanlock.New(s.log)
	health := lock.Poll(ctx)

	event := s.rules.Interval() == 0

	var tickC <-chan time.Time
	if !event {
		ticker := time.NewTicker(s.rules.Interval())
		defer ticker.Stop()
		tickC = ticker.C
	}

	abandon := time.NewTimer(time.Hour)
	if !abandon.Stop() {
		<-abandon.C
	}
	defer abandon.Stop()
	armed := false

	// A session missing a player is on the clock; one with both seats
	// filled is not.
	rearm := func() {
		if s.config.AbandonTimeout <= 0 {
			return
		}
		degraded := s.registry.Vacant() != game.RoleNone
		if degraded && !armed {
			abandon.Reset(s.config.AbandonTimeout)
			armed = true
		} else if !degraded && armed {
			if !abandon.Stop() {
				select {
				case <-abandon.C:
				default:
				}
			}
			armed = false
		}
	}
	rearm()

	for {
		select {
		case <-health:
		case msg := <-s.inbox:
			switch request := msg.(type) {
			case joinRequest:
				lock.Mark("join")
				s.handleJoin(request)
			case leaveRequest:
				lock.Mark("leave")
				s.handleLeave(request.id)
				if s.registry.Count() == 0 {
					s.terminate("empty", nil)
					return
				}
			case submitRequest:
				lock.Mark("submit")
				s.handleSubmit(request)
				if event && !s.pump() {
					return
				}
			case stopRequest:
				s.terminate(request.reason, nil)
				return
			}
		case <-tickC:
			lock.Mark("tick")
			if !s.cycle(s.drain()) {
				return
			}
		case <-abandon.C:
			armed = false
			if s.registry.Vacant() != game.RoleNone {
				s.terminate("abandoned", fmt.Errorf(
					"no %s for %s",
					s.registry.Vacant(),
					s.config.AbandonTimeout,
				))
				return
			}
		case <-ctx.Done():
			s.terminate("shutdown", nil)
			return
		}

		rearm()
	}
}

func (s *Server) handleJoin(request joinRequest) {
	conn := request.conn

	stateData, err := cbor.Marshal(s.state)
	if err != nil {
		s.log.Error().Err(err).Msg("state does not encode")
		request.reply <- joinReply{err: err}
		return
	}

	wasSealed := s.registry.Sealed()
	role, err := s.registry.Join(conn, s.config.AllowRefill)
	if err != nil {
		request.reply <- joinReply{err: err}
		return
	}

	welcome, _ := cbor.Marshal(protocol.WelcomeMessage{
		Op:      protocol.WelcomeOp,
		Session: s.id,
		ID:      conn.ID(),
		Role:    role,
		Tick:    s.tick.Load(),
		State:   stateData,
	})
	conn.Send(welcome)

	logger := s.log.With().Uint32("client", conn.ID()).Logger()
	logger.Info().Str("role", role.String()).Msg("joined")
	if !wasSealed && s.registry.Sealed() {
		logger.Info().Msg("both seats filled; session sealed")
	}

	request.reply <- joinReply{role: role}
}

func (s *Server) handleLeave(id uint32) {
	member, promoted := s.registry.Leave(id)
	if member == nil {
		return
	}

	delete(s.lastSeq, id)
	s.purge(id)

	s.log.Info().
		Uint32("client", id).
		Str("role", member.Role.String()).
		Msg("left")

	if promoted != nil {
		data, _ := cbor.Marshal(protocol.RoleChangeMessage{
			Op:   protocol.RoleChangeOp,
			Role: promoted.Role,
		})
		promoted.Conn.Send(data)
		s.log.Info().
			Uint32("client", promoted.Conn.ID()).
			Str("role", promoted.Role.String()).
			Msg("spectator promoted")
	}
}

func (s *Server) handleSubmit(request submitRequest) {
	member, ok := s.registry.Get(request.id)
	if !ok {
		return
	}
	conn := member.Conn

	if !member.Role.IsPlayer() {
		s.sendRejection(conn, &game.Rejection{
			Role:   member.Role,
			Code:   game.RejectNotAuthorized,
			Reason: "spectators cannot issue commands",
		})
		return
	}

	if request.seq != 0 {
		if last, ok := s.lastSeq[request.id]; ok && request.seq <= last {
			s.sendDropped(conn, request.seq, "duplicate")
			return
		}
		s.lastSeq[request.id] = request.seq
	}

	// While a seat is empty, commands that need the missing player
	// would wait forever; tell the issuer instead of queueing.
	if vacant := s.registry.Vacant(); vacant != game.RoleNone &&
		s.rules.Turn(s.state) == vacant {
		s.sendRejection(conn, &game.Rejection{
			Role:   member.Role,
			Code:   game.RejectAwaitingPlayer,
			Reason: fmt.Sprintf("waiting for %s", vacant),
		})
		return
	}

	s.staged = append(s.staged, staged{
		conn: request.id,
		cmd: game.Command{
			Role:    member.Role,
			Seq:     request.seq,
			Payload: request.payload,
		},
	})

	if s.config.QueueDepth > 0 {
		count := 0
		for _, entry := range s.staged {
			if entry.conn == request.id {
				count++
			}
		}
		if count > s.config.QueueDepth {
			s.dropOldest(request.id, conn)
		}
	}
}

// dropOldest discards the connection's longest-waiting command and
// tells it so.
func (s *Server) dropOldest(id uint32, conn Connection) {
	for i, entry := range s.staged {
		if entry.conn == id {
			seq := entry.cmd.Seq
			s.staged = append(s.staged[:i], s.staged[i+1:]...)
			s.sendDropped(conn, seq, "queue overflow")
			return
		}
	}
}

// purge discards everything a departed connection still had staged.
func (s *Server) purge(id uint32) {
	kept := s.staged[:0]
	for _, entry := range s.staged {
		if entry.conn != id {
			kept = append(kept, entry)
		}
	}
	s.staged = kept
}

// pump runs tick cycles while eligible commands are staged, one command
// per tick: the oldest staged command when any player may act, otherwise
// the head command of whoever's turn it is. Off-turn commands stay
// staged until the turn reaches them, and a rejection only ever takes
// its own command down.
func (s *Server) pump() bool {
	for {
		turn := s.rules.Turn(s.state)

		var batch []game.Command
		if turn == game.RoleNone {
			batch = s.head()
		} else {
			member := s.registry.Holder(turn)
			if member == nil {
				return true
			}
			batch = s.take(member.Conn.ID())
		}

		if len(batch) == 0 {
			return true
		}
		if !s.cycle(batch) {
			return false
		}
	}
}

// head pops the oldest staged command regardless of owner.
func (s *Server) head() []game.Command {
	if len(s.staged) == 0 {
		return nil
	}
	entry := s.staged[0]
	s.staged = append(s.staged[:0], s.staged[1:]...)
	return []game.Command{entry.cmd}
}

// drain takes every staged command in arrival order.
func (s *Server) drain() []game.Command {
	if len(s.staged) == 0 {
		return nil
	}
	batch := make([]game.Command, 0, len(s.staged))
	for _, entry := range s.staged {
		batch = append(batch, entry.cmd)
	}
	s.staged = s.staged[:0]
	return batch
}

// take pops the oldest staged command of one connection.
func (s *Server) take(id uint32) []game.Command {
	for i, entry := range s.staged {
		if entry.conn == id {
			s.staged = append(s.staged[:i], s.staged[i+1:]...)
			return []game.Command{entry.cmd}
		}
	}
	return nil
}

// cycle runs one tick: apply the batch, advance the counter, broadcast
// the delta. The message is marshaled once and the same bytes go to
// every live connection. A rejection touches nothing and goes back to
// the issuer alone; any other failure of the ruleset is final.
func (s *Server) cycle(batch []game.Command) bool {
	if len(batch) == 0 && s.rules.Interval() == 0 {
		return true
	}

	next, delta, err := s.rules.Apply(s.state, batch)
	if err != nil {
		rejection, ok := game.AsRejection(err)
		if !ok {
			s.fatal(err)
			return false
		}
		if member := s.registry.Holder(rejection.Role); member != nil {
			s.sendRejection(member.Conn, rejection)
		}
		s.log.Debug().
			Str("code", rejection.Code).
			Str("role", rejection.Role.String()).
			Msg("command rejected")
		return true
	}

	s.state = next
	tick := s.tick.Add(1)

	deltaData, err := cbor.Marshal(delta)
	if err != nil {
		s.fatal(fmt.Errorf("delta does not encode: %w", err))
		return false
	}
	message, _ := cbor.Marshal(protocol.DeltaMessage{
		Op:    protocol.DeltaOp,
		Tick:  tick,
		Delta: deltaData,
	})

	for _, member := range s.registry.Snapshot() {
		member.Conn.Send(message)
	}

	record := TickRecord{
		Session: s.id,
		Tick:    tick,
		Delta:   deltaData,
	}
	if every := s.config.KeyframeEvery; every > 0 && tick%every == 0 {
		if stateData, err := cbor.Marshal(s.state); err == nil {
			record.State = stateData
		}
	}
	s.records.Publish(record)

	s.log.Debug().Uint64("tick", tick).Int("commands", len(batch)).Msg("tick")
	return true
}

// fatal ends the session permanently. The simulator is deterministic,
// so retrying the same batch would fail the same way; nothing is
// retried.
func (s *Server) fatal(err error) {
	s.log.Error().Err(err).Uint64("tick", s.tick.Load()).Msg("simulator failure")
	s.shutdown("simulator failure", err)
}

func (s *Server) terminate(reason string, cause error) {
	s.log.Info().Str("reason", reason).Msg("session closed")
	s.shutdown(reason, cause)
}

func (s *Server) shutdown(reason string, cause error) {
	data, _ := cbor.Marshal(protocol.TerminationMessage{
		Op:     protocol.TerminationOp,
		Reason: reason,
	})
	for _, member := range s.registry.Snapshot() {
		member.Conn.Send(data)
		member.Conn.Close(reason)
	}

	if cause != nil {
		s.Fail(cause)
	} else {
		s.Cancel()
	}
}

func (s *Server) sendRejection(conn Connection, rejection *game.Rejection) {
	data, _ := cbor.Marshal(protocol.RejectionMessage{
		Op:     protocol.RejectionOp,
		Code:   rejection.Code,
		Reason: rejection.Reason,
	})
	conn.Send(data)
}

func (s *Server) sendDropped(conn Connection, seq uint32, why string) {
	data, _ := cbor.Marshal(protocol.DroppedMessage{
		Op:     protocol.DroppedOp,
		Seq:    seq,
		Reason: why,
	})
	conn.Send(data)
	s.log.Debug().Uint32("seq", seq).Str("reason", why).Msg("command dropped")
}

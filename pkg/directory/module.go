package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ticktack/pkg/game"
	"ticktack/pkg/session"
	"ticktack/pkg/utils"

	"github.com/repeale/fp-go/option"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"
)

// ErrEntryRace reports an attempt to host two live sessions for one
// entry. JoinOrCreate can never produce it; Create refuses with it.
var ErrEntryRace = errors.New("entry already hosted")

// Directory maps entries to live sessions. All lookup and creation runs
// under one lock, so an entry resolves to exactly one live session no
// matter how callers interleave.
type Directory struct {
	mutex    deadlock.Mutex
	sessions map[string]*session.Server

	ctx     context.Context
	factory game.Factory
	config  session.Config
	created *utils.Topic[*session.Server]
	log     zerolog.Logger
}

func New(ctx context.Context, factory game.Factory, config session.Config) *Directory {
	return &Directory{
		sessions: make(map[string]*session.Server),
		ctx:      ctx,
		factory:  factory,
		config:   config,
		created:  utils.NewTopic[*session.Server](),
		log:      log.With().Str("service", "directory").Logger(),
	}
}

// Created announces every session the directory starts.
func (d *Directory) Created() *utils.Topic[*session.Server] {
	return d.created
}

// Find returns the live session hosting entry, if there is one.
func (d *Directory) Find(entry string) opt.Option[*session.Server] {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if sess, ok := d.sessions[entry]; ok && !sess.IsDone() {
		return opt.Some(sess)
	}
	return opt.None[*session.Server]()
}

// Sessions lists the live sessions sorted by entry.
func (d *Directory) Sessions() []*session.Server {
	d.mutex.Lock()
	out := make([]*session.Server, 0, len(d.sessions))
	for _, sess := range d.sessions {
		if !sess.IsDone() {
			out = append(out, sess)
		}
	}
	d.mutex.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Entry() < out[j].Entry()
	})
	return out
}

// JoinOrCreate attaches conn to the session hosting entry, creating the
// session first when none is live. Lookup and creation happen under one
// lock, so two concurrent calls for a fresh entry always land in the
// same session, one seated as each player.
func (d *Directory) JoinOrCreate(
	ctx context.Context,
	entry string,
	conn session.Connection,
) (*session.Server, game.Role, error) {
	// A session can end between lookup and join; one retry gets the
	// fresh replacement.
	for attempt := 0; attempt < 2; attempt++ {
		sess := d.acquire(entry)

		role, err := sess.Join(ctx, conn)
		if errors.Is(err, session.ErrClosed) {
			continue
		}
		if err != nil {
			return nil, game.RoleNone, err
		}
		return sess, role, nil
	}
	return nil, game.RoleNone, fmt.Errorf("no live session for %s", entry)
}

// Create starts a session for entry, refusing if one is already live.
func (d *Directory) Create(entry string) (*session.Server, error) {
	d.mutex.Lock()
	if sess, ok := d.sessions[entry]; ok && !sess.IsDone() {
		d.mutex.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrEntryRace, entry)
	}
	sess := d.spawn(entry)
	d.mutex.Unlock()

	d.announce(sess)
	return sess, nil
}

func (d *Directory) acquire(entry string) *session.Server {
	d.mutex.Lock()
	if sess, ok := d.sessions[entry]; ok && !sess.IsDone() {
		d.mutex.Unlock()
		return sess
	}
	sess := d.spawn(entry)
	d.mutex.Unlock()

	d.announce(sess)
	return sess
}

// spawn builds and registers a session. Callers hold the mutex; a dead
// session still in the slot is overwritten, its watcher skips the sweep.
func (d *Directory) spawn(entry string) *session.Server {
	sess := session.New(d.ctx, entry, d.factory(), d.config)
	d.sessions[entry] = sess
	return sess
}

func (d *Directory) announce(sess *session.Server) {
	go sess.Poll(sess.Ctx())
	go d.watch(sess.Entry(), sess)
	d.created.Publish(sess)
}

// watch sweeps the entry once its session ends.
func (d *Directory) watch(entry string, sess *session.Server) {
	<-sess.Ctx().Done()

	d.mutex.Lock()
	if current, ok := d.sessions[entry]; ok && current == sess {
		delete(d.sessions, entry)
	}
	d.mutex.Unlock()

	if err := sess.Cause(); err != nil {
		d.log.Error().
			Err(err).
			Str("entry", entry).
			Str("session", sess.ID()).
			Msg("session failed")
	}
}

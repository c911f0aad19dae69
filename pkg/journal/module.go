package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ticktack/pkg/session"

	"github.com/go-redis/redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	// Redis keys for the live cache.
	StateKey  = "session-state-%s"
	DeltasKey = "session-deltas-%s"

	CacheTTL     = 1 * time.Hour
	RecordBuffer = 64
)

var (
	ErrNoArchive = errors.New("no archive configured")
)

// Match is one hosted game from creation to termination.
type Match struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"uniqueIndex"`
	Entry     string
	Ruleset   string
	StartedAt time.Time
	EndedAt   *time.Time
	Reason    string
}

// Tick is one archived tick of a match. State is only present on
// keyframe ticks.
type Tick struct {
	ID      uint `gorm:"primaryKey"`
	MatchID uint `gorm:"index"`
	Number  uint64
	Delta   []byte
	State   []byte
}

// InitDB opens the sqlite archive, creating it if needed.
func InitDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&Match{}, &Tick{}); err != nil {
		return nil, err
	}

	return db, nil
}

// Journal archives finished ticks to sqlite and mirrors the latest
// snapshot into redis. Either store may be absent; what is missing is
// simply skipped.
type Journal struct {
	ctx   context.Context
	db    *gorm.DB
	cache *redis.Client
	log   zerolog.Logger
}

func New(ctx context.Context, db *gorm.DB, cache *redis.Client) *Journal {
	return &Journal{
		ctx:   ctx,
		db:    db,
		cache: cache,
		log:   log.With().Str("service", "journal").Logger(),
	}
}

// Watch follows a session until it ends, archiving every tick it
// publishes. Recording runs on its own goroutine so a slow disk never
// holds up the game.
func (j *Journal) Watch(sess *session.Server) {
	records := sess.Records().SubscribeBuffered(RecordBuffer)

	match := Match{
		SessionID: sess.ID(),
		Entry:     sess.Entry(),
		Ruleset:   sess.Rules().Name(),
		StartedAt: time.Now(),
	}
	if j.db != nil {
		if err := j.db.Create(&match).Error; err != nil {
			j.log.Error().Err(err).Msg("could not open match record")
		}
	}

	go func() {
		defer records.Done()
		for {
			select {
			case record := <-records.Recv():
				j.record(match.ID, record)
			case <-sess.Ctx().Done():
				// Flush whatever the session published before it ended.
				for {
					select {
					case record := <-records.Recv():
						j.record(match.ID, record)
					default:
						j.finish(&match, sess.Cause())
						return
					}
				}
			}
		}
	}()
}

func (j *Journal) record(matchID uint, record session.TickRecord) {
	if j.db != nil && matchID != 0 {
		row := Tick{
			MatchID: matchID,
			Number:  record.Tick,
			Delta:   record.Delta,
			State:   record.State,
		}
		if err := j.db.Create(&row).Error; err != nil {
			j.log.Warn().
				Err(err).
				Uint64("tick", record.Tick).
				Msg("tick not archived")
		}
	}

	j.cacheTick(record)
}

func (j *Journal) cacheTick(record session.TickRecord) {
	if j.cache == nil {
		return
	}

	deltasKey := fmt.Sprintf(DeltasKey, record.Session)
	pipe := j.cache.Pipeline()
	pipe.RPush(j.ctx, deltasKey, record.Delta)
	pipe.Expire(j.ctx, deltasKey, CacheTTL)
	if len(record.State) > 0 {
		stateKey := fmt.Sprintf(StateKey, record.Session)
		pipe.Set(j.ctx, stateKey, record.State, CacheTTL)
	}

	if _, err := pipe.Exec(j.ctx); err != nil {
		j.log.Warn().Err(err).Msg("cache write failed")
	}
}

func (j *Journal) finish(match *Match, cause error) {
	reason := "closed"
	if cause != nil {
		reason = cause.Error()
	}

	now := time.Now()
	match.EndedAt = &now
	match.Reason = reason
	if j.db != nil && match.ID != 0 {
		if err := j.db.Save(match).Error; err != nil {
			j.log.Warn().Err(err).Msg("could not close match record")
		}
	}

	j.log.Info().
		Str("session", match.SessionID).
		Str("reason", reason).
		Msg("match archived")
}

// History returns a match and its archived ticks in order.
func (j *Journal) History(sessionID string) (*Match, []Tick, error) {
	if j.db == nil {
		return nil, nil, ErrNoArchive
	}

	var match Match
	err := j.db.Where("session_id = ?", sessionID).First(&match).Error
	if err != nil {
		return nil, nil, err
	}

	var ticks []Tick
	err = j.db.
		Where("match_id = ?", match.ID).
		Order("number asc").
		Find(&ticks).
		Error
	if err != nil {
		return nil, nil, err
	}

	return &match, ticks, nil
}

// Matches lists the most recently started matches.
func (j *Journal) Matches(limit int) ([]Match, error) {
	if j.db == nil {
		return nil, ErrNoArchive
	}

	var matches []Match
	err := j.db.
		Order("started_at desc").
		Limit(limit).
		Find(&matches).
		Error
	return matches, err
}

// Latest returns the newest cached state snapshot for a session, or
// nil when nothing is cached.
func (j *Journal) Latest(ctx context.Context, sessionID string) ([]byte, error) {
	if j.cache == nil {
		return nil, nil
	}

	data, err := j.cache.Get(ctx, fmt.Sprintf(StateKey, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

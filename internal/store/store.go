// Package store is the shared document store the coordinator runs against. Sessions, players and
// per-question responses live in Redis; conditional writes are optimistic transactions (WATCH/MULTI)
// and every write publishes a change notification on the session's channel.
package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizsync/internal/domain"
	"github.com/victornm/quizsync/internal/errors"
)

const (
	defaultReadAttempts = 3
	defaultReadBackoff  = 50 * time.Millisecond
	defaultTxAttempts   = 32
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	// TTL bounds the lifetime of every key written for a session. Zero disables expiry.
	TTL time.Duration
	// ReadAttempts and ReadBackoff control retries of idempotent reads on transient failures.
	ReadAttempts int
	ReadBackoff  time.Duration
	// TxAttempts bounds how many times an optimistic transaction is re-run on conflict.
	TxAttempts int
}

type Store struct {
	rdb          redis.UniversalClient
	prefix       string
	ttl          time.Duration
	readAttempts int
	readBackoff  time.Duration
	txAttempts   int
}

func New(c Config) *Store {
	s := &Store{
		rdb:          c.Redis,
		prefix:       c.Prefix,
		ttl:          c.TTL,
		readAttempts: c.ReadAttempts,
		readBackoff:  c.ReadBackoff,
		txAttempts:   c.TxAttempts,
	}

	if s.readAttempts <= 0 {
		s.readAttempts = defaultReadAttempts
	}
	if s.readBackoff <= 0 {
		s.readBackoff = defaultReadBackoff
	}
	if s.txAttempts <= 0 {
		s.txAttempts = defaultTxAttempts
	}

	return s
}

// Guard inspects the current session inside a transaction. A non-nil error aborts the write.
type Guard func(ss *domain.Session) error

// CreateSession assigns a new session ID, reserves the session's join code and persists the session
// together with a snapshot of its quiz. It fails with CodeAlreadyExists when the join code is taken.
func (s *Store) CreateSession(ctx context.Context, ss *domain.Session, q domain.Quiz) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate session ID: %w", err)
	}

	ss.SessionID = id.String()
	ss.Version = 1

	ok, err := s.rdb.SetNX(ctx, s.joinCodeKey(ss.JoinCode), ss.SessionID, s.ttl).Result()
	if err != nil {
		return errors.Unavailable(fmt.Errorf("reserve join code: %w", err))
	}
	if !ok {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("join code is in use: code=%s", ss.JoinCode))
	}

	sb, err := json.Marshal(ss)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	qb, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quiz: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.sessionKey(ss.SessionID), sb, s.ttl)
		p.Set(ctx, s.quizKey(ss.SessionID), qb, s.ttl)
		p.Publish(ctx, s.changesChannel(ss.SessionID), string(domain.ChangeSession))
		return nil
	})
	if err != nil {
		return errors.Unavailable(stderrors.Join(
			fmt.Errorf("create session: %w", err),
			s.rdb.Del(ctx, s.joinCodeKey(ss.JoinCode)).Err(),
		))
	}

	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var ss *domain.Session
	err := s.read(ctx, "get session", func() (err error) {
		ss, err = s.getSession(ctx, s.rdb, id)
		return err
	})

	return ss, err
}

// FindSessionByJoinCode returns the live session that reserved the join code.
func (s *Store) FindSessionByJoinCode(ctx context.Context, code string) (*domain.Session, error) {
	var ss *domain.Session
	err := s.read(ctx, "find session", func() error {
		id, err := s.rdb.Get(ctx, s.joinCodeKey(code)).Result()
		if stderrors.Is(err, redis.Nil) {
			return errors.NotFound("session not found: code=%s", code)
		}
		if err != nil {
			return err
		}

		ss, err = s.getSession(ctx, s.rdb, id)
		return err
	})

	return ss, err
}

// GetQuiz returns the quiz snapshot stored with the session.
func (s *Store) GetQuiz(ctx context.Context, sessionID string) (*domain.Quiz, error) {
	var q domain.Quiz
	err := s.read(ctx, "get quiz", func() error {
		return s.getJSON(ctx, s.rdb, s.quizKey(sessionID), &q, func() error {
			return errors.NotFound("quiz not found: session=%s", sessionID)
		})
	})
	if err != nil {
		return nil, err
	}

	return &q, nil
}

type UpdateOption func(o *updateOptions)

type updateOptions struct {
	clearResponses []int
}

// ClearResponses deletes the responses of a question in the same transaction as the session update.
func ClearResponses(question int) UpdateOption {
	return func(o *updateOptions) {
		o.clearResponses = append(o.clearResponses, question)
	}
}

// UpdateSession runs fn against the current session and writes the result only if the session was not
// modified concurrently; on conflict fn is run again against the fresh session. An error returned by fn
// aborts the update and is returned unchanged.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(ss *domain.Session) error, opts ...UpdateOption) (*domain.Session, error) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := s.sessionKey(id)

	var out *domain.Session
	err := s.transact(ctx, func(tx *redis.Tx) error {
		ss, err := s.getSession(ctx, tx, id)
		if err != nil {
			return err
		}

		if err := fn(ss); err != nil {
			return err
		}
		ss.Version++

		b, err := json.Marshal(ss)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, s.ttl)
			for _, q := range o.clearResponses {
				p.Del(ctx, s.responsesKey(id, q))
			}
			p.Publish(ctx, s.changesChannel(id), string(domain.ChangeSession))
			return nil
		})
		if err != nil {
			return err
		}

		out = ss
		return nil
	}, key)

	return out, err
}

// Deleted is what a successful DeleteSession removed.
type Deleted struct {
	Session domain.Session
	Players []domain.Player
}

// DeleteSession deletes the session with its quiz snapshot, players, responses and join code.
// Only one caller observes the deletion; the others get CodeNotFound.
func (s *Store) DeleteSession(ctx context.Context, id string) (*Deleted, error) {
	key := s.sessionKey(id)

	var out *Deleted
	err := s.transact(ctx, func(tx *redis.Tx) error {
		ss, err := s.getSession(ctx, tx, id)
		if err != nil {
			return err
		}

		players, err := s.listPlayers(ctx, tx, id)
		if err != nil {
			return err
		}

		keys := []string{key, s.quizKey(id), s.playersKey(id)}
		for _, p := range players {
			keys = append(keys, s.playerKey(id, p.PlayerID))
		}
		for q := 0; q < ss.QuestionCount; q++ {
			keys = append(keys, s.responsesKey(id, q))
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, keys...)
			p.Publish(ctx, s.changesChannel(id), string(domain.ChangeDeleted))
			return nil
		})
		if err != nil {
			return err
		}

		out = &Deleted{Session: *ss, Players: players}
		return nil
	}, key, s.playersKey(id))
	if err != nil {
		return nil, err
	}

	// The join code lives outside the session's hash slot, so it is released after the transaction and
	// only while it still points at this session.
	if err := s.releaseJoinCode(ctx, out.Session.JoinCode, id); err != nil {
		return out, err
	}

	return out, nil
}

func (s *Store) releaseJoinCode(ctx context.Context, code, sessionID string) error {
	key := s.joinCodeKey(code)

	return s.transact(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if stderrors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != sessionID {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}

// PutPlayer inserts or replaces the player's record, keyed by player ID. The guard runs against the
// session inside the same transaction, so the write is rejected if the session changed state meanwhile.
// An existing record keeps its original join time.
func (s *Store) PutPlayer(ctx context.Context, sessionID string, p domain.Player, guard Guard) (*domain.Session, error) {
	sk, pk := s.sessionKey(sessionID), s.playerKey(sessionID, p.PlayerID)

	var out *domain.Session
	err := s.transact(ctx, func(tx *redis.Tx) error {
		ss, err := s.getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		if guard != nil {
			if err := guard(ss); err != nil {
				return err
			}
		}

		existing, err := s.getPlayer(ctx, tx, sessionID, p.PlayerID)
		switch {
		case err == nil:
			p.JoinTime = existing.JoinTime
		case !errors.HasCode(err, errors.CodeNotFound):
			return err
		}

		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal player: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pp redis.Pipeliner) error {
			pp.Set(ctx, pk, b, s.ttl)
			pp.SAdd(ctx, s.playersKey(sessionID), p.PlayerID)
			s.expire(ctx, pp, s.playersKey(sessionID))
			pp.Publish(ctx, s.changesChannel(sessionID), string(domain.ChangePlayers))
			return nil
		})
		if err != nil {
			return err
		}

		out = ss
		return nil
	}, sk, pk)

	return out, err
}

func (s *Store) GetPlayer(ctx context.Context, sessionID, playerID string) (*domain.Player, error) {
	var p *domain.Player
	err := s.read(ctx, "get player", func() (err error) {
		p, err = s.getPlayer(ctx, s.rdb, sessionID, playerID)
		return err
	})

	return p, err
}

// ListPlayers returns the session's players ordered by join time, then player ID.
func (s *Store) ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error) {
	var players []domain.Player
	err := s.read(ctx, "list players", func() (err error) {
		players, err = s.listPlayers(ctx, s.rdb, sessionID)
		return err
	})

	return players, err
}

// UpdatePlayer applies fn to the player's record with the same conflict handling as UpdateSession.
func (s *Store) UpdatePlayer(ctx context.Context, sessionID, playerID string, fn func(p *domain.Player) error) (*domain.Player, error) {
	key := s.playerKey(sessionID, playerID)

	var out *domain.Player
	err := s.transact(ctx, func(tx *redis.Tx) error {
		p, err := s.getPlayer(ctx, tx, sessionID, playerID)
		if err != nil {
			return err
		}

		if err := fn(p); err != nil {
			return err
		}

		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal player: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pp redis.Pipeliner) error {
			pp.Set(ctx, key, b, s.ttl)
			pp.Publish(ctx, s.changesChannel(sessionID), string(domain.ChangePlayers))
			return nil
		})
		if err != nil {
			return err
		}

		out = p
		return nil
	}, key)

	return out, err
}

// DeletePlayer removes the player's record and reports whether it existed.
func (s *Store) DeletePlayer(ctx context.Context, sessionID, playerID string) (bool, error) {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.playerKey(sessionID, playerID))
		p.SRem(ctx, s.playersKey(sessionID), playerID)
		p.Publish(ctx, s.changesChannel(sessionID), string(domain.ChangePlayers))
		return nil
	})
	if err != nil {
		return false, errors.Unavailable(fmt.Errorf("delete player: %w", err))
	}

	return del.Val() > 0, nil
}

// ResponseBuilder builds a player's response for the session's current question. It runs inside the
// recording transaction and may reject the response by returning an error.
type ResponseBuilder func(ss *domain.Session, p *domain.Player) (domain.Response, error)

// Recorded is the outcome of a successful RecordResponse.
type Recorded struct {
	Session  domain.Session
	Player   domain.Player
	Response domain.Response
}

// RecordResponse atomically records the player's response for the question chosen by build and, for a
// correct answer, increments the player's running score. A player has at most one response per
// question: a second one fails with CodeAlreadyAnswered and changes nothing.
func (s *Store) RecordResponse(ctx context.Context, sessionID, playerID string, build ResponseBuilder) (*Recorded, error) {
	sk, pk := s.sessionKey(sessionID), s.playerKey(sessionID, playerID)

	var out *Recorded
	err := s.transact(ctx, func(tx *redis.Tx) error {
		ss, err := s.getSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		p, err := s.getPlayer(ctx, tx, sessionID, playerID)
		if err != nil {
			return err
		}

		r, err := build(ss, p)
		if err != nil {
			return err
		}
		r.PlayerID = playerID

		rk := s.responsesKey(sessionID, r.QuestionIndex)
		exists, err := tx.HExists(ctx, rk, playerID).Result()
		if err != nil {
			return err
		}
		if exists {
			return errors.New(errors.CodeAlreadyAnswered,
				errors.WithMessagef("response already recorded: session=%s player=%s question=%d", sessionID, playerID, r.QuestionIndex))
		}

		if r.Kind == domain.ResponseAnswer && r.IsCorrect {
			p.Score++
		}

		rb, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		pb, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal player: %w", err)
		}

		// The player key is always rewritten so concurrent responses of the same player conflict.
		_, err = tx.TxPipelined(ctx, func(pp redis.Pipeliner) error {
			pp.HSet(ctx, rk, playerID, rb)
			s.expire(ctx, pp, rk)
			pp.Set(ctx, pk, pb, s.ttl)
			pp.Publish(ctx, s.changesChannel(sessionID), string(domain.ChangeResponses))
			return nil
		})
		if err != nil {
			return err
		}

		out = &Recorded{Session: *ss, Player: *p, Response: r}
		return nil
	}, sk, pk)

	return out, err
}

// ListResponses returns the responses recorded for a question, oldest first.
func (s *Store) ListResponses(ctx context.Context, sessionID string, question int) ([]domain.Response, error) {
	var out []domain.Response
	err := s.read(ctx, "list responses", func() error {
		m, err := s.rdb.HGetAll(ctx, s.responsesKey(sessionID, question)).Result()
		if err != nil {
			return err
		}

		out = make([]domain.Response, 0, len(m))
		for _, raw := range m {
			var r domain.Response
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				return fmt.Errorf("unmarshal response: %w", err)
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmitTime.Equal(out[j].SubmitTime) {
			return out[i].SubmitTime.Before(out[j].SubmitTime)
		}
		return out[i].PlayerID < out[j].PlayerID
	})

	return out, nil
}

// Subscription delivers change notifications of one session until closed.
type Subscription struct {
	C     <-chan domain.Change
	close func()
}

// Close stops the subscription and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.close()
}

// Watch subscribes to change notifications of a session. The subscription ends when ctx is done or
// Close is called.
func (s *Store) Watch(ctx context.Context, sessionID string) (*Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.changesChannel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		return nil, errors.Unavailable(stderrors.Join(fmt.Errorf("subscribe: %w", err), ps.Close()))
	}

	var (
		msgs = ps.Channel()
		out  = make(chan domain.Change, 16)
		done = make(chan struct{})
		once sync.Once
	)

	go func() {
		defer close(out)

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}

				c := domain.Change{SessionID: sessionID, Kind: domain.ChangeKind(m.Payload)}
				select {
				case out <- c:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		C: out,
		close: func() {
			once.Do(func() {
				close(done)
				_ = ps.Close()
			})
		},
	}, nil
}

type reader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

func (s *Store) getSession(ctx context.Context, r reader, id string) (*domain.Session, error) {
	var ss domain.Session
	err := s.getJSON(ctx, r, s.sessionKey(id), &ss, func() error {
		return errors.NotFound("session not found: session=%s", id)
	})
	if err != nil {
		return nil, err
	}

	return &ss, nil
}

func (s *Store) getPlayer(ctx context.Context, r reader, sessionID, playerID string) (*domain.Player, error) {
	var p domain.Player
	err := s.getJSON(ctx, r, s.playerKey(sessionID, playerID), &p, func() error {
		return errors.NotFound("player not found: session=%s player=%s", sessionID, playerID)
	})
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func (s *Store) listPlayers(ctx context.Context, r reader, sessionID string) ([]domain.Player, error) {
	ids, err := r.SMembers(ctx, s.playersKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []domain.Player{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.playerKey(sessionID, id))
	}

	vals, err := r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	players := make([]domain.Player, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Removed between SMEMBERS and MGET.
			continue
		}

		var p domain.Player
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal player: %w", err)
		}
		players = append(players, p)
	}

	sort.Slice(players, func(i, j int) bool {
		if !players[i].JoinTime.Equal(players[j].JoinTime) {
			return players[i].JoinTime.Before(players[j].JoinTime)
		}
		return players[i].PlayerID < players[j].PlayerID
	})

	return players, nil
}

func (s *Store) getJSON(ctx context.Context, r reader, key string, v any, notFound func() error) error {
	b, err := r.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return notFound()
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}

	return nil
}

func (s *Store) expire(ctx context.Context, p redis.Pipeliner, key string) {
	if s.ttl > 0 {
		p.Expire(ctx, key, s.ttl)
	}
}

// read runs an idempotent read, retrying transient failures with exponential backoff.
func (s *Store) read(ctx context.Context, op string, fn func() error) error {
	var err error
	backoff := s.readBackoff

	for attempt := 0; attempt < s.readAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
	}

	return errors.Unavailable(fmt.Errorf("%s: %w", op, err))
}

// transact runs fn in an optimistic transaction over keys. A conflict re-runs fn, which re-reads and
// re-checks its guard; other failures are never retried.
func (s *Store) transact(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.txAttempts; attempt++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if stderrors.Is(err, redis.TxFailedErr) {
			continue
		}

		return wrap(err)
	}

	return errors.New(errors.CodeStoreUnavailable, errors.WithMessagef("too many conflicting writes: keys=%v", keys))
}

func wrap(err error) error {
	if err == nil {
		return nil
	}

	var e *errors.Error
	if stderrors.As(err, &e) || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if isTransient(err) {
		return errors.Unavailable(err)
	}

	return err
}

func isTransient(err error) bool {
	var ne net.Error
	return stderrors.As(err, &ne) ||
		stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, io.ErrUnexpectedEOF)
}

// Keys of one session share a hash tag so multi-key transactions stay on one cluster slot.

func (s *Store) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:{%s}", s.prefix, id)
}

func (s *Store) quizKey(id string) string {
	return fmt.Sprintf("%s:session:{%s}:quiz", s.prefix, id)
}

func (s *Store) playersKey(id string) string {
	return fmt.Sprintf("%s:session:{%s}:players", s.prefix, id)
}

func (s *Store) playerKey(id, player string) string {
	return fmt.Sprintf("%s:session:{%s}:player:%s", s.prefix, id, player)
}

func (s *Store) responsesKey(id string, question int) string {
	return fmt.Sprintf("%s:session:{%s}:responses:%d", s.prefix, id, question)
}

func (s *Store) changesChannel(id string) string {
	return fmt.Sprintf("%s:session:{%s}:changes", s.prefix, id)
}

func (s *Store) joinCodeKey(code string) string {
	return fmt.Sprintf("%s:joincode:%s", s.prefix, code)
}

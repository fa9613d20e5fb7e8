package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/helpers"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/remote"
)

// FetchExecutor materializes one fetched message as a local record. It must
// never touch the mirror's link column; linking belongs to the reconciler
// alone, which keeps concurrent fetch workers out of each other's
// bookkeeping.
type FetchExecutor interface {
	InsertFetched(ctx context.Context, accountID int64, folder string, uidValidity uint32, msg *remote.Message) (int64, error)
}

// FetchStats summarizes one fetch pass.
type FetchStats struct {
	Fetched int
	Skipped int // already materialized (duplicate key)
	Errors  []string
}

// FetchDelta downloads and materializes every message in the planned delta.
// Network reads are serial on the session; sealing, uploading and inserting
// run on a bounded worker pool. Each message is independent: one failure is
// recorded and its siblings proceed.
func (e *Engine) FetchDelta(ctx context.Context, accountID int64, delta map[string][]imap.UID) (*FetchStats, error) {
	session, err := e.dial(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	stats := &FetchStats{}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.FetchConcurrency)

	for folder, uids := range delta {
		if err := ctx.Err(); err != nil {
			break
		}

		uidValidity, err := session.Select(ctx, folder)
		if err != nil {
			mu.Lock()
			stats.Errors = append(stats.Errors, fmt.Sprintf("%s: %v", folder, err))
			mu.Unlock()
			continue
		}

		for _, uid := range uids {
			if err := ctx.Err(); err != nil {
				break
			}

			msg, err := session.FetchMessage(ctx, uid)
			if err != nil {
				mu.Lock()
				stats.Errors = append(stats.Errors, fmt.Sprintf("%s/%d: %v", folder, uid, err))
				mu.Unlock()
				metrics.MessagesFetchedTotal.WithLabelValues("error").Inc()
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(folder string, uidValidity uint32, msg *remote.Message) {
				defer wg.Done()
				defer func() { <-sem }()

				_, err := e.fetcher.InsertFetched(ctx, accountID, folder, uidValidity, msg)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					stats.Fetched++
					metrics.MessagesFetchedTotal.WithLabelValues("success").Inc()
				case errors.Is(err, db.ErrDuplicateRecord):
					stats.Skipped++
					metrics.MessagesFetchedTotal.WithLabelValues("skipped").Inc()
				default:
					stats.Errors = append(stats.Errors, fmt.Sprintf("%s/%d: %v", folder, msg.UID, err))
					metrics.MessagesFetchedTotal.WithLabelValues("error").Inc()
				}
			}(folder, uidValidity, msg)
		}
	}

	wg.Wait()
	return stats, ctx.Err()
}

// PayloadStore is the slice of the object store the executor needs.
type PayloadStore interface {
	Put(ctx context.Context, accountID int64, contentHash string, payload []byte) (string, int64, error)
}

// PayloadCache is the local cache surface used on the write path.
type PayloadCache interface {
	Put(accountID int64, contentHash string, data []byte) error
}

type fetchExecutor struct {
	db    *db.Database
	store PayloadStore
	cache PayloadCache
}

// NewFetchExecutor builds the production executor: payloads are sealed into
// the object store and indexed as local records.
func NewFetchExecutor(database *db.Database, store PayloadStore, cache PayloadCache) FetchExecutor {
	return &fetchExecutor{db: database, store: store, cache: cache}
}

func (f *fetchExecutor) InsertFetched(ctx context.Context, accountID int64, folder string, uidValidity uint32, msg *remote.Message) (int64, error) {
	env := ExtractEnvelope(msg.Envelope)
	enrichFromHeader(&env, msg.Raw)

	contentHash := env.ContentHash()

	payloadKey, payloadSize, err := f.store.Put(ctx, accountID, contentHash, msg.Raw)
	if err != nil {
		return 0, err
	}

	if f.cache != nil {
		if cacheErr := f.cache.Put(accountID, contentHash, msg.Raw); cacheErr != nil {
			logger.WarnContext(ctx, "Fetch: failed to cache payload",
				"account_id", accountID, "content_hash", contentHash, "error", cacheErr)
		}
	}

	record := &db.LocalRecord{
		AccountID:      accountID,
		Folder:         folder,
		UIDValidity:    uidValidity,
		UID:            msg.UID,
		MessageID:      env.MessageID,
		InReplyTo:      env.InReplyTo,
		StableIdentity: StableIdentity(env.MessageID, contentHash),
		ContentHash:    contentHash,
		Flags:          db.FlagsToBitwise(msg.Flags),
		EnvFrom:        env.From,
		EnvSubject:     env.Subject,
		EnvDate:        env.Date,
		PayloadKey:     payloadKey,
		PayloadSize:    payloadSize,
	}
	return f.db.InsertLocalRecord(ctx, record)
}

// enrichFromHeader fills envelope gaps from the raw RFC 5322 header. The
// ENVELOPE response never carries References, and some servers omit
// In-Reply-To, so the header is the better threading source once the full
// message is in hand.
func enrichFromHeader(env *Envelope, raw []byte) {
	if len(raw) == 0 {
		return
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		// Malformed messages still get stored; threading falls back to
		// whatever the envelope carried.
		return
	}
	mailHeader := mail.Header{Header: entity.Header}

	if env.MessageID == "" {
		if messageID, err := mailHeader.MessageID(); err == nil {
			env.MessageID = helpers.CleanMessageID(messageID)
		}
	}

	if env.InReplyTo == "" {
		if list, err := mailHeader.MsgIDList("In-Reply-To"); err == nil && len(list) > 0 {
			env.InReplyTo = helpers.CleanMessageID(list[len(list)-1])
		}
	}
	if env.InReplyTo == "" {
		env.InReplyTo = helpers.LastReference(mailHeader.Get("References"))
	}
}

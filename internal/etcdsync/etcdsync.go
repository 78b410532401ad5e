// Package etcdsync keeps local state in sync with an etcd key prefix.
//
// A Handler first receives every key under the prefix (Reset) and then each
// change after that revision (Apply). When the watch breaks, for example after
// a compaction or a lost connection, the prefix is listed again and Reset is
// called with the fresh state, so a Handler never has to track revisions.
package etcdsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
)

var errWatchClosed = errors.New("watch channel closed")

// Handler receives the state of a prefix.
type Handler interface {
	// Reset replaces local state with the full content of the prefix.
	Reset(kvs []*mvccpb.KeyValue) error
	// Apply handles a single change. An error is logged and the watch continues.
	Apply(ev *etcd.Event) error
}

// Dial creates an etcd client.
func Dial(endpoints []string, dialTimeout time.Duration) (*etcd.Client, error) {
	client, err := etcd.New(etcd.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial %v: %w", endpoints, err)
	}
	return client, nil
}

// Key joins a prefix and a name with exactly one slash.
func Key(prefix string, parts ...string) string {
	out := strings.TrimSuffix(prefix, "/")
	for _, p := range parts {
		out += "/" + strings.Trim(p, "/")
	}
	return out
}

// Name returns the last key segment below prefix, or false if key is not directly under it.
func Name(prefix string, key []byte) (string, bool) {
	p := strings.TrimSuffix(prefix, "/") + "/"
	name, ok := strings.CutPrefix(string(key), p)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// NewBackOff returns the retry policy used between re-list attempts.
func NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}

// ListAndWatch feeds h until ctx is done. It returns nil on cancellation.
func ListAndWatch(ctx context.Context, client *etcd.Client, prefix string, h Handler, logger *slog.Logger) error {
	b := NewBackOff()
	for {
		err := listAndWatchOnce(ctx, client, prefix, h, b, logger)
		if ctx.Err() != nil {
			return nil
		}

		delay := b.NextBackOff()
		logger.Warn("etcd watch interrupted, listing again", "prefix", prefix, "retryIn", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func listAndWatchOnce(ctx context.Context, client *etcd.Client, prefix string, h Handler, b backoff.BackOff, logger *slog.Logger) error {
	watchPrefix := strings.TrimSuffix(prefix, "/") + "/"

	resp, err := client.Get(ctx, watchPrefix, etcd.WithPrefix())
	if err != nil {
		return fmt.Errorf("list %s: %w", watchPrefix, err)
	}
	if err := h.Reset(resp.Kvs); err != nil {
		return fmt.Errorf("reset from %s: %w", watchPrefix, err)
	}
	b.Reset()
	logger.Debug("etcd prefix listed", "prefix", watchPrefix, "keys", len(resp.Kvs), "revision", resp.Header.Revision)

	// Continue with Watch where Get ended.
	wch := client.Watch(etcd.WithRequireLeader(ctx), watchPrefix, etcd.WithPrefix(), etcd.WithRev(resp.Header.Revision+1))
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("watch %s: %w", watchPrefix, err)
		}
		for _, ev := range wresp.Events {
			if err := h.Apply(ev); err != nil {
				logger.Warn("Ignoring etcd event", "key", string(ev.Kv.Key), "type", ev.Type.String(), "error", err)
			}
		}
	}
	return errWatchClosed
}

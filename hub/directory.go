// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const seedLoadTimeout = 10 * time.Second

// Directory maps poll tokens to live rooms. At most one room exists per
// token at any time.
type Directory struct {
	source  SeedSource
	grace   time.Duration
	logger  *slog.Logger
	metrics *hubMetrics

	mu    sync.Mutex
	rooms map[string]*Room

	creating singleflight.Group
}

func newDirectory(source SeedSource, grace time.Duration, logger *slog.Logger, metrics *hubMetrics) *Directory {
	return &Directory{
		source:  source,
		grace:   grace,
		logger:  logger,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// GetOrCreate returns the room for token, creating it from the seed source
// if none exists. Concurrent callers for the same token share one seed load.
func (d *Directory) GetOrCreate(ctx context.Context, token string) (*Room, error) {
	if r := d.Lookup(token); r != nil {
		return r, nil
	}

	ch := d.creating.DoChan(token, func() (any, error) {
		if r := d.Lookup(token); r != nil {
			return r, nil
		}
		// Detached so one caller giving up does not fail the others.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), seedLoadTimeout)
		defer cancel()
		seed, err := d.source.LoadRoomSeed(loadCtx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to load poll %s: %w", token, err)
		}

		r := newRoom(token, seed, roomConfig{
			grace:   d.grace,
			logger:  d.logger,
			metrics: d.metrics,
			onClose: d.remove,
		})
		d.mu.Lock()
		d.rooms[token] = r
		n := len(d.rooms)
		d.mu.Unlock()
		d.metrics.setRooms(n)
		d.logger.Info("room created", "poll", token, "options", len(seed.Options), "ballots", len(seed.Ballots))
		return r, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lookup returns the room for token or nil.
func (d *Directory) Lookup(token string) *Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[token]
}

// remove drops r from the directory if it is still the registered room for
// its token. Called from the room loop on shutdown.
func (d *Directory) remove(r *Room) {
	d.mu.Lock()
	removed := false
	if cur, ok := d.rooms[r.token]; ok && cur == r {
		delete(d.rooms, r.token)
		removed = true
	}
	n := len(d.rooms)
	d.mu.Unlock()
	if removed {
		d.metrics.setRooms(n)
	}
}

// Len returns the number of rooms.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// CloseAll stops every room and waits for their loops to exit.
func (d *Directory) CloseAll() {
	d.mu.Lock()
	rooms := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			r.Close()
		}(r)
	}
	wg.Wait()
}

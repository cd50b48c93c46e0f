// Copyright 2023 The GigaFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package limiter bounds background flush traffic so bulk creates do
// not starve foreground lookups.
package limiter

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/time/rate"
)

var ErrConcurrencyLimit = errors.New("concurrency limit reached")

type (
	Limiter interface {
		// Acquire claims a flush slot; it fails fast instead of queueing.
		Acquire() error
		Release()
		// WaitN throttles n bytes of flush payload.
		WaitN(ctx context.Context, n int) error
		Running() int
		SetConcurrency(value uint32)
		SetMBPS(mbps int)
	}
	Config struct {
		Concurrency int `json:"concurrency"`
		MBPS        int `json:"mbps"`
	}

	limiter struct {
		limit   uint32
		running int32
		rate    *rate.Limiter
	}
)

func NewLimiter(cfg Config) Limiter {
	lim := &limiter{limit: uint32(cfg.Concurrency)}
	if cfg.MBPS > 0 {
		mb := 1 << 20
		lim.rate = rate.NewLimiter(rate.Limit(cfg.MBPS*mb), cfg.MBPS*mb)
	}
	return lim
}

func (lim *limiter) Acquire() error {
	limit := atomic.LoadUint32(&lim.limit)
	if limit == 0 {
		atomic.AddInt32(&lim.running, 1)
		return nil
	}
	if uint32(atomic.AddInt32(&lim.running, 1)) > limit {
		atomic.AddInt32(&lim.running, -1)
		return ErrConcurrencyLimit
	}
	return nil
}

func (lim *limiter) Release() {
	atomic.AddInt32(&lim.running, -1)
}

func (lim *limiter) WaitN(ctx context.Context, n int) error {
	if lim.rate == nil {
		return nil
	}
	return lim.rate.WaitN(ctx, n)
}

func (lim *limiter) Running() int {
	return int(atomic.LoadInt32(&lim.running))
}

func (lim *limiter) SetConcurrency(value uint32) {
	atomic.StoreUint32(&lim.limit, value)
}

func (lim *limiter) SetMBPS(mbps int) {
	if mbps <= 0 {
		lim.rate = nil
		return
	}
	mb := 1 << 20
	lim.rate = rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)
}

// Copyright 2023 The CubeFS Authors.
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

package limiter

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter guards the statement surface: bounded read/write
	// concurrency plus an optional commit rate.
	Limiter interface {
		AcquireRead() error
		ReleaseRead()
		AcquireWrite() error
		ReleaseWrite()
		SetReadConcurrency(value uint32)
		SetWriteConcurrency(value uint32)
		GetConfig() *LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		ReadConcurrency  int `json:"read_concurrency"`
		WriteConcurrency int `json:"write_concurrency"`
		WritePerSec      int `json:"write_per_sec"`
	}
	Status struct {
		Config       LimitConfig
		ReadRunning  int
		WriteRunning int
		WriteWait    int
	}
	limiter struct {
		config          LimitConfig
		readCountLimit  CountLimit
		writeCountLimit CountLimit
		rateWriter      *rate.Limiter
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	lim := &limiter{config: cfg}
	if cfg.ReadConcurrency > 0 {
		lim.readCountLimit = NewCountLimit(cfg.ReadConcurrency)
	}
	if cfg.WriteConcurrency > 0 {
		lim.writeCountLimit = NewCountLimit(cfg.WriteConcurrency)
	}
	if cfg.WritePerSec > 0 {
		lim.rateWriter = rate.NewLimiter(rate.Limit(cfg.WritePerSec), cfg.WritePerSec)
	}
	return lim
}

func (lim *limiter) AcquireRead() error {
	if lim.readCountLimit != nil {
		return lim.readCountLimit.Acquire()
	}
	return nil
}

func (lim *limiter) AcquireWrite() error {
	if lim.rateWriter != nil && !lim.rateWriter.Allow() {
		return ErrLimitExceeded
	}
	if lim.writeCountLimit != nil {
		return lim.writeCountLimit.Acquire()
	}
	return nil
}

func (lim *limiter) ReleaseRead() {
	if lim.readCountLimit != nil {
		lim.readCountLimit.Release()
	}
}

func (lim *limiter) ReleaseWrite() {
	if lim.writeCountLimit != nil {
		lim.writeCountLimit.Release()
	}
}

func (lim *limiter) SetReadConcurrency(value uint32) {
	if lim.readCountLimit == nil {
		lim.readCountLimit = NewCountLimit(int(value))
	} else {
		lim.readCountLimit.SetLimit(value)
	}
	lim.config.ReadConcurrency = int(value)
}

func (lim *limiter) SetWriteConcurrency(value uint32) {
	if lim.writeCountLimit == nil {
		lim.writeCountLimit = NewCountLimit(int(value))
	} else {
		lim.writeCountLimit.SetLimit(value)
	}
	lim.config.WriteConcurrency = int(value)
}

func (lim *limiter) GetConfig() *LimitConfig {
	return &lim.config
}

func (lim *limiter) Status() Status {
	st := Status{
		Config: lim.config,
	}
	if lim.readCountLimit != nil {
		st.ReadRunning = lim.readCountLimit.Running()
	}
	if lim.writeCountLimit != nil {
		st.WriteRunning = lim.writeCountLimit.Running()
	}
	if lim.rateWriter != nil {
		st.WriteWait = rateWait(lim.rateWriter)
	}
	return st
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}

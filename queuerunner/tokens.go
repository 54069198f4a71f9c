package queuerunner

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/hydrogen-ci/hydrogen/common/gerror"
)

// TokenServer hands out up to maxTokens tokens; Get blocks until the request
// can be satisfied. Workers acquire tokens proportional to the NAR data they
// hold in memory, bounding the process's peak heap.
type TokenServer struct {
	maxTokens int64
	sem       *semaphore.Weighted
	inUse     atomic.Int64
}

func NewTokenServer(maxTokens int64) *TokenServer {
	return &TokenServer{
		maxTokens: maxTokens,
		sem:       semaphore.NewWeighted(maxTokens),
	}
}

// Get acquires n tokens, blocking until they are available or ctx is done.
// Requesting at least the total number of tokens can never be satisfied and
// errors immediately.
func (ts *TokenServer) Get(ctx context.Context, n int64) (*Token, error) {
	if n >= ts.maxTokens {
		return nil, gerror.NewErrNoTokens(fmt.Sprintf("requesting more tokens (%d) than exist (%d)", n, ts.maxTokens))
	}
	if err := ts.sem.Acquire(ctx, n); err != nil {
		return nil, err
	}
	ts.inUse.Add(n)
	return &Token{ts: ts, held: n}, nil
}

// InUse returns the number of tokens currently held.
func (ts *TokenServer) InUse() int64 {
	return ts.inUse.Load()
}

func (ts *TokenServer) MaxTokens() int64 {
	return ts.maxTokens
}

// Token represents ownership of some tokens. Partial returns let a worker
// give back compression headroom while keeping tokens for the uncompressed
// NAR.
type Token struct {
	ts   *TokenServer
	held int64
}

// GiveBack returns n of the held tokens.
func (t *Token) GiveBack(n int64) {
	if n == 0 {
		return
	}
	if n > t.held {
		n = t.held
	}
	t.ts.sem.Release(n)
	t.ts.inUse.Add(-n)
	t.held -= n
}

// Release returns all remaining tokens.
func (t *Token) Release() {
	t.GiveBack(t.held)
}

package main

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/breez/association-sync/crm"
	"github.com/breez/association-sync/syncer"
)

var ErrSyncInProgress = errors.New("sync already in progress")

type Syncer interface {
	RunFullSync(ctx context.Context) (syncer.Summary, error)
	SyncContact(ctx context.Context, contact crm.Contact) (syncer.ReplaceResult, error)
}

// SyncRunner triggers full syncs on a schedule and on demand, skipping a
// trigger while another run is still going.
type SyncRunner struct {
	sync.Mutex
	syncer     Syncer
	runTimeout time.Duration
}

func NewSyncRunner(syncer Syncer, runTimeout time.Duration) *SyncRunner {
	return &SyncRunner{
		syncer:     syncer,
		runTimeout: runTimeout,
	}
}

func (r *SyncRunner) Run(ctx context.Context) (syncer.Summary, error) {
	if !r.TryLock() {
		return syncer.Summary{}, ErrSyncInProgress
	}
	defer r.Unlock()

	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}
	return r.syncer.RunFullSync(ctx)
}

func (r *SyncRunner) Start(interval time.Duration, quitChan chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		r.runScheduled()
		for {
			select {
			case <-ticker.C:
				r.runScheduled()
			case <-quitChan:
				return
			}
		}
	}()
}

func (r *SyncRunner) runScheduled() {
	summary, err := r.Run(context.Background())
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			log.Printf("skipping scheduled sync: %v", err)
			return
		}
		log.Printf("scheduled sync failed: %v", err)
		return
	}
	log.Printf("scheduled sync: %v", summary)
}

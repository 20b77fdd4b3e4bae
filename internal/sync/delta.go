package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/marcus/callsync/internal/db"
	"github.com/marcus/callsync/internal/models"
	"github.com/marcus/callsync/internal/syncclient"
	"github.com/marcus/callsync/internal/syncerr"
)

// PullResult counts what a pull changed locally.
type PullResult struct {
	Calls          int   `json:"calls"`
	Persons        int   `json:"persons"`
	Skipped        int   `json:"skipped"`
	ServerSyncTime int64 `json:"server_sync_time"`
}

// Pull fetches server rows changed since the stored watermark and applies
// each under last-writer-wins. The watermark only advances once every row
// has been applied, so an interrupted pull is simply repeated.
func (e *Engine) Pull(ctx context.Context) (PullResult, error) {
	var res PullResult

	since, err := e.store.GetWatermark(ctx)
	if err != nil {
		return res, syncerr.LocalIO(syncerr.OpPull, err)
	}

	var resp *syncclient.UpdatesResponse
	err = retry(ctx, e.cfg.Retry, func() error {
		var err error
		resp, err = e.client.FetchUpdates(ctx, since)
		return err
	})
	if err != nil {
		return res, err
	}

	for _, rc := range resp.Calls {
		up := db.CallUpdate{Note: &rc.Note, Reviewed: &rc.Reviewed, ContactName: &rc.ContactName}
		applied, err := e.store.ApplyServerCallUpdate(ctx, rc.UniqueID, up, rc.UpdatedAt)
		if err != nil {
			return res, fmt.Errorf("apply call %s: %w", rc.UniqueID, err)
		}
		if applied {
			res.Calls++
		} else {
			res.Skipped++
		}
	}
	for _, rp := range resp.Persons {
		up := db.PersonUpdate{Note: &rp.Note, Label: &rp.Label, ContactName: &rp.ContactName}
		applied, err := e.store.ApplyServerPersonUpdate(ctx, rp.PhoneNumber, up, rp.UpdatedAt)
		if err != nil {
			return res, fmt.Errorf("apply person %s: %w", rp.PhoneNumber, err)
		}
		if applied {
			res.Persons++
		} else {
			res.Skipped++
		}
	}

	if err := e.store.SetWatermark(ctx, resp.ServerSyncTime); err != nil {
		return res, err
	}
	res.ServerSyncTime = resp.ServerSyncTime
	e.logger.Debug("pull applied", "since", since, "calls", res.Calls, "persons", res.Persons, "skipped", res.Skipped)
	return res, nil
}

// PushResult counts the outcome of a push.
type PushResult struct {
	Announced int `json:"announced"`
	Updated   int `json:"updated"`
	Persons   int `json:"persons"`
	Conflicts int `json:"conflicts"`
	Excluded  int `json:"excluded"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

// Push announces new calls and, when updates is true, sends local edits of
// calls and persons. Edits are held back after a failed pull so a stale
// local view is never pushed over rows the device has not seen.
//
// A server rejection marks the row failed; a transient failure that outlives
// the retry policy stops the push and leaves the rest for the next trigger.
func (e *Engine) Push(ctx context.Context, updates bool) (PushResult, error) {
	var res PushResult

	calls, err := e.store.ListDirtyMetadata(ctx)
	if err != nil {
		return res, syncerr.LocalIO(syncerr.OpPush, err)
	}

	for i := range calls {
		call := &calls[i]
		if ctx.Err() != nil {
			res.Deferred += len(calls) - i
			return res, ctx.Err()
		}

		announce := call.ServerUpdatedAt == 0
		if !announce && !updates {
			res.Deferred++
			continue
		}

		if announce {
			excluded, err := e.store.IsExcluded(ctx, call.PhoneNumber)
			if err != nil {
				return res, syncerr.LocalIO(syncerr.OpPush, err)
			}
			if excluded {
				if err := e.store.ExcludeCall(ctx, call.CompositeID); err != nil {
					return res, err
				}
				res.Excluded++
				continue
			}
		}

		var outcome error
		if announce {
			outcome = e.announce(ctx, call, &res)
		} else {
			outcome = e.pushCall(ctx, call, &res)
		}
		if outcome == nil {
			continue
		}
		if stop := e.recordPushError(ctx, call.CompositeID, outcome, &res); stop {
			res.Deferred += len(calls) - i - 1
			return res, outcome
		}
	}

	if !updates {
		return res, nil
	}

	persons, err := e.store.ListDirtyPersons(ctx)
	if err != nil {
		return res, syncerr.LocalIO(syncerr.OpPush, err)
	}
	for i := range persons {
		if err := e.pushPerson(ctx, &persons[i], &res); err != nil {
			if syncerr.KindOf(err) == syncerr.KindServerRejected {
				// A rejected person edit stays dirty until edited again
				e.logger.Warn("person update rejected", "phone", persons[i].PhoneNumber, "err", err)
				res.Failed++
				continue
			}
			res.Deferred += len(persons) - i
			return res, err
		}
	}
	return res, nil
}

func (e *Engine) announce(ctx context.Context, call *models.CallRecord, res *PushResult) error {
	sentAt := call.LocalUpdatedAt
	var resp *syncclient.StartCallResponse
	err := retry(ctx, e.cfg.Retry, func() error {
		var err error
		resp, err = e.client.StartCall(ctx, syncclient.CallMeta{
			UniqueID:    call.CompositeID,
			PhoneNumber: call.PhoneNumber,
			ContactName: call.ContactName,
			CallType:    string(call.CallType),
			StartedAt:   call.StartedAt,
			Duration:    call.DurationSeconds,
			Note:        call.Note,
			Reviewed:    call.Reviewed,
			UpdatedAt:   sentAt,
		})
		return err
	})
	if err != nil {
		return err
	}

	if !resp.Applied {
		// The server already held a newer version of this call (an earlier
		// announce whose reply was lost, or a web edit). Its fields win.
		up := db.CallUpdate{Note: &resp.Note, Reviewed: &resp.Reviewed, ContactName: &resp.ContactName}
		if _, err := e.store.ApplyServerCallUpdate(ctx, call.CompositeID, up, resp.UpdatedAt); err != nil {
			return err
		}
		res.Conflicts++
		e.logger.Debug("start_call kept server version", "id", call.CompositeID,
			"err", syncerr.New(syncerr.KindConflictIgnored, syncerr.OpStart, nil))
	}
	if err := e.store.MarkCallAnnounced(ctx, call.CompositeID, sentAt, resp.UpdatedAt); err != nil {
		return err
	}
	res.Announced++
	return nil
}

func (e *Engine) pushCall(ctx context.Context, call *models.CallRecord, res *PushResult) error {
	sentAt := call.LocalUpdatedAt
	var resp *syncclient.UpdateResponse
	err := retry(ctx, e.cfg.Retry, func() error {
		var err error
		resp, err = e.client.UpdateCall(ctx, syncclient.CallUpdate{
			UniqueID:  call.CompositeID,
			Note:      call.Note,
			Reviewed:  call.Reviewed,
			UpdatedAt: sentAt,
		})
		return err
	})
	if err != nil {
		return err
	}
	if err := e.store.MarkCallPushed(ctx, call.CompositeID, sentAt, resp.Applied, resp.UpdatedAt); err != nil {
		return err
	}
	if !resp.Applied {
		res.Conflicts++
		e.logger.Info("local edit lost to newer server version", "id", call.CompositeID,
			"err", syncerr.New(syncerr.KindConflictIgnored, syncerr.OpPush, nil))
		return nil
	}
	res.Updated++
	return nil
}

func (e *Engine) pushPerson(ctx context.Context, p *models.PersonAggregate, res *PushResult) error {
	sentAt := p.LocalUpdatedAt
	var resp *syncclient.UpdateResponse
	err := retry(ctx, e.cfg.Retry, func() error {
		var err error
		resp, err = e.client.UpdatePerson(ctx, syncclient.PersonUpdate{
			PhoneNumber: p.PhoneNumber,
			Note:        p.Note,
			Label:       p.Label,
			ContactName: p.ContactName,
			UpdatedAt:   sentAt,
		})
		return err
	})
	if err != nil {
		return err
	}
	if err := e.store.MarkPersonPushed(ctx, p.PhoneNumber, sentAt, resp.Applied, resp.UpdatedAt); err != nil {
		return err
	}
	if !resp.Applied {
		res.Conflicts++
		e.logger.Info("local person edit lost to newer server version", "phone", p.PhoneNumber,
			"err", syncerr.New(syncerr.KindConflictIgnored, syncerr.OpPush, nil))
		return nil
	}
	res.Persons++
	return nil
}

// recordPushError stores the outcome of a failed metadata push and reports
// whether the push should stop.
func (e *Engine) recordPushError(ctx context.Context, id string, err error, res *PushResult) bool {
	switch syncerr.KindOf(err) {
	case syncerr.KindServerRejected:
		res.Failed++
		e.logger.Warn("call rejected by server", "id", id, "err", err)
		if mErr := e.store.MarkMetadataFailed(ctx, id, err.Error()); mErr != nil {
			e.logger.Error("mark metadata failed", "id", id, "err", mErr)
		}
		return false
	case syncerr.KindLocalIO:
		e.logger.Error("store write after push failed", "id", id, "err", err)
		return true
	}
	res.Deferred++
	if errors.Is(err, context.Canceled) {
		return true
	}
	e.logger.Warn("push deferred", "id", id, "err", err)
	if nErr := e.store.NoteSyncError(context.WithoutCancel(ctx), id, err.Error()); nErr != nil {
		e.logger.Error("note sync error", "id", id, "err", nErr)
	}
	return true
}

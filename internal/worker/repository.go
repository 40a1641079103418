package worker

import (
	"context"
	"fmt"

	"github.com/danmuck/peerctl/internal/storage"
	"github.com/rs/zerolog/log"
)

// RepositoryExecutor runs items against a storage.Store.
type RepositoryExecutor struct {
	Store storage.Store
}

func (e RepositoryExecutor) Execute(ctx context.Context, item Item) Result {
	res := resultFor(item)
	switch item.Kind {
	case KindLoad:
		e.load(ctx, item, &res)
	case KindApply:
		tip, err := e.Store.Commit(ctx, item.Repo, item.Object, item.Manifest, item.Ops)
		res.Tip, res.Count, res.Err = tip, len(item.Ops), err
	case KindInventory:
		res.Tips, res.Err = e.Store.Inventory(ctx)
	default:
		res.Err = fmt.Errorf("%w: %d", ErrUnknownKind, item.Kind)
	}
	if res.Err != nil {
		log.Debug().Msgf("worker.RepositoryExecutor.Execute kind=%s repo=%s object=%s err=%v", item.Kind, item.Repo, item.Object, res.Err)
	}
	return res
}

func (e RepositoryExecutor) load(ctx context.Context, item Item, res *Result) {
	manifest, err := e.Store.LoadManifest(ctx, item.Repo, item.Object)
	if err != nil {
		res.Err = &storage.OpsError{Kind: storage.OpsManifest, Repo: item.Repo, Object: item.Object, Err: err}
		return
	}
	it, err := e.Store.Ops(ctx, item.Repo, item.Object, item.Since)
	if err != nil {
		res.Err = err
		return
	}
	ops, err := storage.Collect(it)
	if err != nil {
		res.Err = err
		return
	}
	data, err := storage.EncodeOps(ops)
	if err != nil {
		res.Err = &storage.OpsError{Kind: storage.OpsLoad, Repo: item.Repo, Object: item.Object, Err: err}
		return
	}
	res.Manifest = manifest
	res.Data = data
	res.Count = len(ops)
}

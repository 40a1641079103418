package storage

import (
	"context"
	"sort"
	"sync"
)

type objectKey struct {
	repo   RepoID
	object ObjectID
}

type memObject struct {
	manifest Manifest
	ops      []Operation
	index    map[OpID]int
}

// MemoryStore keeps everything in process memory. Used by tests and
// ephemeral nodes.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[objectKey]*memObject
	byOp    map[RepoID]map[OpID]objectKey
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[objectKey]*memObject),
		byOp:    make(map[RepoID]map[OpID]objectKey),
	}
}

func (s *MemoryStore) LoadOperation(_ context.Context, repo RepoID, id OpID) (Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byOp[repo][id]
	if !ok {
		return Operation{}, ErrNotFound
	}
	obj := s.objects[key]
	return obj.ops[obj.index[id]], nil
}

func (s *MemoryStore) LoadManifest(_ context.Context, repo RepoID, object ObjectID) (Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectKey{repo, object}]
	if !ok {
		return Manifest{}, ErrNotFound
	}
	return obj.manifest, nil
}

func (s *MemoryStore) Ops(_ context.Context, repo RepoID, object ObjectID, since OpID) (Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	obj, ok := s.objects[objectKey{repo, object}]
	if !ok {
		return nil, &OpsError{Kind: OpsManifest, Repo: repo, Object: object, Err: ErrNotFound}
	}
	start := 0
	if i, ok := obj.index[since]; ok && since != "" {
		start = i + 1
	}
	snapshot := make([]Operation, len(obj.ops)-start)
	copy(snapshot, obj.ops[start:])
	return &sliceIter{ops: snapshot}, nil
}

func (s *MemoryStore) Commit(_ context.Context, repo RepoID, object ObjectID, manifest Manifest, ops []Operation) (OpID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	key := objectKey{repo, object}
	obj, ok := s.objects[key]
	if !ok {
		obj = &memObject{manifest: manifest, index: make(map[OpID]int)}
		s.objects[key] = obj
	} else if manifest.TypeName != "" && obj.manifest.TypeName != manifest.TypeName {
		return "", &OpsError{Kind: OpsManifest, Repo: repo, Object: object, Err: ErrManifestMismatch}
	}
	if s.byOp[repo] == nil {
		s.byOp[repo] = make(map[OpID]objectKey)
	}
	for _, op := range ops {
		if _, dup := obj.index[op.ID]; dup {
			continue
		}
		obj.index[op.ID] = len(obj.ops)
		obj.ops = append(obj.ops, op)
		s.byOp[repo][op.ID] = key
	}
	if len(obj.ops) == 0 {
		return "", nil
	}
	return obj.ops[len(obj.ops)-1].ID, nil
}

func (s *MemoryStore) Inventory(_ context.Context) ([]ObjectTip, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectTip, 0, len(s.objects))
	for key, obj := range s.objects {
		if len(obj.ops) == 0 {
			continue
		}
		out = append(out, ObjectTip{Repo: key.repo, Object: key.object, Tip: obj.ops[len(obj.ops)-1].ID})
	}
	sortTips(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortTips(tips []ObjectTip) {
	sort.Slice(tips, func(i, j int) bool {
		if tips[i].Repo != tips[j].Repo {
			return tips[i].Repo < tips[j].Repo
		}
		return tips[i].Object < tips[j].Object
	})
}

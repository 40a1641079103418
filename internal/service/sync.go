package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/identity"
	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/storage"
	"github.com/danmuck/peerctl/internal/worker"
)

// syncRequest starts serving an object to the peer. The load runs on the
// worker pool; the answer is sent from WorkDone.
func (s *Service) syncRequest(sess *Session, m protocol.SyncRequest) {
	id := m.RequestID
	if _, dup := sess.serving[id]; dup {
		s.fail(sess, violation(ViolationDuplicateRequest, "request %d already in progress", id))
		return
	}
	repo := storage.RepoID(m.Repo)
	if err := s.policy.AllowServe(sess.Node, repo); err != nil {
		log.Debug().Msgf("service.Service.syncRequest denied slot=%d request_id=%d repo=%s err=%v", sess.Slot, id, repo, err)
		observability.RecordTransfer("serve", "denied")
		s.send(sess, protocol.SyncResponse{RequestID: id, Status: protocol.StatusDenied})
		return
	}
	if len(sess.serving) >= s.cfg.MaxOutstanding {
		observability.RecordTransfer("serve", "busy")
		s.send(sess, protocol.SyncResponse{RequestID: id, Status: protocol.StatusBusy})
		return
	}
	item := worker.Item{
		Kind:      worker.KindLoad,
		Slot:      sess.Slot,
		Session:   sess.Serial,
		RequestID: id,
		Repo:      repo,
		Object:    storage.ObjectID(m.Object),
		Since:     storage.OpID(m.Since),
	}
	if err := s.work.Submit(context.Background(), item); err != nil {
		log.Debug().Msgf("service.Service.syncRequest busy slot=%d request_id=%d err=%v", sess.Slot, id, err)
		observability.RecordTransfer("serve", "busy")
		s.send(sess, protocol.SyncResponse{RequestID: id, Status: protocol.StatusBusy})
		return
	}
	sess.serving[id] = struct{}{}
}

// serve answers a completed load with a response and its chunks.
func (s *Service) serve(sess *Session, res worker.Result) {
	id := res.Item.RequestID
	delete(sess.serving, id)
	if res.Err != nil {
		switch {
		case errors.Is(res.Err, storage.ErrNotFound):
			observability.RecordTransfer("serve", "not_found")
			s.send(sess, protocol.SyncResponse{RequestID: id, Status: protocol.StatusNotFound})
		case errors.Is(res.Err, worker.ErrUnitFailed):
			observability.RecordTransfer("serve", "failed")
			s.send(sess, protocol.Error{RequestID: id, Code: protocol.CodeInternal, Reason: "internal failure"})
		default:
			observability.RecordTransfer("serve", "failed")
			s.send(sess, protocol.Error{RequestID: id, Code: protocol.CodeRepository, Reason: res.Err.Error()})
		}
		return
	}
	chunks := storage.Split(res.Data, s.cfg.ChunkSize)
	s.send(sess, protocol.SyncResponse{
		RequestID: id,
		Status:    protocol.StatusOK,
		Chunks:    uint32(len(chunks)),
		TypeName:  res.Manifest.TypeName,
	})
	if len(chunks) > 0 {
		sess.outgoing = append(sess.outgoing, &transfer{id: id, chunks: chunks})
		s.pushChunks(sess)
	}
	observability.RecordTransfer("serve", "ok")
	log.Debug().Msgf("service.Service.serve slot=%d request_id=%d ops=%d chunks=%d", sess.Slot, id, res.Count, len(chunks))
}

// pushChunks hands queued chunks to the reactor until the transfer window is
// used up. Flushed reopens the window once the write buffer drains.
func (s *Service) pushChunks(sess *Session) {
	for len(sess.outgoing) > 0 && sess.unflushed < s.cfg.TransferWindow {
		t := sess.outgoing[0]
		data := t.chunks[t.next]
		s.send(sess, protocol.ObjectChunk{
			RequestID: t.id,
			Seq:       uint32(t.next),
			Final:     t.next == len(t.chunks)-1,
			Data:      data,
		})
		sess.unflushed += protocol.ObjectChunkOverhead + len(data)
		t.next++
		if t.next == len(t.chunks) {
			sess.outgoing[0] = nil
			sess.outgoing = sess.outgoing[1:]
		}
	}
}

func (s *Service) fetch(c FetchCommand) {
	sess := s.provider(c.Node, c.Repo)
	if sess == nil {
		reply(c.Reply, FetchResult{Repo: c.Repo, Object: c.Object, Err: ErrNoProvider})
		return
	}
	if len(sess.requests) >= s.cfg.MaxOutstanding {
		reply(c.Reply, FetchResult{Repo: c.Repo, Object: c.Object, Err: ErrTooManyRequests})
		return
	}
	s.nextID++
	req := &request{
		id:        s.nextID,
		repo:      c.Repo,
		object:    c.Object,
		since:     c.Since,
		startedAt: s.now(),
		ingest:    storage.NewIngest(s.cfg.MaxRecordBytes),
		reply:     c.Reply,
	}
	sess.requests[req.id] = req
	log.Info().Msgf("service.Service.fetch slot=%d request_id=%d repo=%s object=%s since=%q", sess.Slot, req.id, req.repo, req.object, req.since)
	s.send(sess, protocol.SyncRequest{
		RequestID: req.id,
		Repo:      string(req.repo),
		Object:    string(req.object),
		Since:     string(req.since),
	})
}

// provider picks the established session to fetch repo from.
func (s *Service) provider(node identity.NodeID, repo storage.RepoID) *Session {
	var best *Session
	for _, sess := range s.sessions {
		if sess.State != Established {
			continue
		}
		if node.IsZero() {
			if !sess.provides(repo) {
				continue
			}
		} else if sess.Node != node {
			continue
		}
		if best == nil || sess.Slot < best.Slot {
			best = sess
		}
	}
	return best
}

func (s *Service) syncResponse(sess *Session, m protocol.SyncResponse) {
	req := sess.requests[m.RequestID]
	if req == nil {
		s.fail(sess, violation(ViolationUnmatchedResponse, "response for request %d", m.RequestID))
		return
	}
	if req.responded {
		s.fail(sess, violation(ViolationUnexpectedMessage, "second response for request %d", m.RequestID))
		return
	}
	switch m.Status {
	case protocol.StatusOK:
	case protocol.StatusNotFound:
		s.finish(sess, req, ErrRemoteNotFound)
		return
	case protocol.StatusDenied:
		s.finish(sess, req, ErrRemoteDenied)
		return
	default:
		s.finish(sess, req, ErrRemoteBusy)
		return
	}
	req.responded = true
	req.manifest = storage.Manifest{TypeName: m.TypeName}
	req.chunks = m.Chunks
	if m.Chunks == 0 {
		req.final = true
		s.pump(sess, req)
	}
}

// objectChunk feeds one chunk to the request's incremental decoder. Only the
// bytes of a record that straddles chunks are held.
func (s *Service) objectChunk(sess *Session, m protocol.ObjectChunk) {
	req := sess.requests[m.RequestID]
	if req == nil {
		s.fail(sess, violation(ViolationUnmatchedResponse, "chunk for request %d", m.RequestID))
		return
	}
	if !req.responded {
		s.fail(sess, violation(ViolationChunkBeforeHeader, "request %d", m.RequestID))
		return
	}
	if len(m.Data) > s.cfg.MaxChunkBytes {
		s.fail(sess, violation(ViolationChunkTooLarge, "request %d seq %d carries %d bytes, limit %d", m.RequestID, m.Seq, len(m.Data), s.cfg.MaxChunkBytes))
		return
	}
	if req.final || m.Seq != req.nextSeq || m.Seq >= req.chunks {
		s.fail(sess, violation(ViolationChunkOutOfSequence, "request %d seq %d want %d of %d", m.RequestID, m.Seq, req.nextSeq, req.chunks))
		return
	}
	last := m.Seq == req.chunks-1
	if m.Final != last {
		s.fail(sess, violation(ViolationChunkOutOfSequence, "request %d seq %d final=%t", m.RequestID, m.Seq, m.Final))
		return
	}
	req.nextSeq++
	if req.err == nil {
		ops, err := req.ingest.Write(m.Data)
		if len(ops) > 0 {
			req.backlog = append(req.backlog, ops)
		}
		if err != nil {
			req.err = err
		}
	}
	if last {
		req.final = true
		if req.err == nil {
			req.err = req.ingest.Done()
		}
	}
	s.pump(sess, req)
}

// pump submits decoded operations. One apply per request is in flight at a
// time so batches commit in transfer order.
func (s *Service) pump(sess *Session, req *request) {
	if req.applies == 0 && len(req.backlog) > 0 {
		var ops []storage.Operation
		for _, batch := range req.backlog {
			ops = append(ops, batch...)
		}
		item := worker.Item{
			Kind:      worker.KindApply,
			Slot:      sess.Slot,
			Session:   sess.Serial,
			RequestID: req.id,
			Repo:      req.repo,
			Object:    req.object,
			Manifest:  req.manifest,
			Ops:       ops,
		}
		if err := s.work.Submit(context.Background(), item); err != nil {
			log.Debug().Msgf("service.Service.pump deferred slot=%d request_id=%d ops=%d err=%v", sess.Slot, req.id, len(ops), err)
		} else {
			req.backlog = nil
			req.applies++
		}
	}
	if req.complete() {
		s.finish(sess, req, req.err)
	}
}

func (s *Service) applied(sess *Session, res worker.Result) {
	req := sess.requests[res.Item.RequestID]
	if req == nil {
		return
	}
	req.applies--
	if res.Err != nil {
		if req.err == nil {
			req.err = res.Err
		}
	} else {
		req.applied += res.Count
		if res.Tip != "" {
			req.tip = res.Tip
		}
	}
	s.pump(sess, req)
}

func (s *Service) peerError(sess *Session, m protocol.Error) {
	rerr := &RemoteError{Code: m.Code, Reason: m.Reason}
	if m.RequestID == 0 {
		s.close(sess, rerr, nil)
		return
	}
	if req := sess.requests[m.RequestID]; req != nil {
		s.finish(sess, req, rerr)
		return
	}
	log.Debug().Msgf("service.Service.peerError unmatched slot=%d request_id=%d code=%d", sess.Slot, m.RequestID, m.Code)
}

// finish drops req and reports its outcome.
func (s *Service) finish(sess *Session, req *request, err error) {
	delete(sess.requests, req.id)
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	observability.RecordTransfer("fetch", outcome)
	res := FetchResult{
		RequestID: req.id,
		Node:      sess.Node.String(),
		Repo:      req.repo,
		Object:    req.object,
		Applied:   req.applied,
		Tip:       req.tip,
		Duration:  s.now().Sub(req.startedAt),
		Err:       err,
	}
	log.Info().Msgf("service.Service.finish slot=%d request_id=%d applied=%d tip=%s err=%v", sess.Slot, req.id, req.applied, req.tip, err)
	reply(req.reply, res)
	if err == nil && req.applied > 0 {
		s.refreshInventory(true)
	}
}

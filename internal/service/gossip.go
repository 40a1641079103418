package service

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/peerctl/internal/observability"
	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/storage"
	"github.com/danmuck/peerctl/internal/worker"
)

// maxAnnounceTips keeps an announcement well inside the frame limit.
const maxAnnounceTips = 1024

// announce records what the peer claims to hold. It is a hint only.
func (s *Service) announce(sess *Session, m protocol.GossipAnnounce) {
	if !sess.gossip.AllowN(s.now(), 1) {
		observability.RecordGossipDropped("rate")
		log.Debug().Msgf("service.Service.announce rate limited slot=%d", sess.Slot)
		return
	}
	inventory := make(map[storage.RepoID]struct{}, len(m.Inventory))
	tips := make(map[storage.RepoID]map[storage.ObjectID]storage.OpID)
	dropped := 0
	for _, raw := range m.Inventory {
		repo := storage.RepoID(raw)
		if !s.policy.AllowGossip(sess.Node, repo) {
			dropped++
			continue
		}
		inventory[repo] = struct{}{}
	}
	for _, t := range m.Tips {
		repo := storage.RepoID(t.Repo)
		if !s.policy.AllowGossip(sess.Node, repo) {
			dropped++
			continue
		}
		if tips[repo] == nil {
			tips[repo] = make(map[storage.ObjectID]storage.OpID)
		}
		tips[repo][storage.ObjectID(t.Object)] = storage.OpID(t.Tip)
	}
	if dropped > 0 {
		observability.RecordGossipDropped("policy")
	}
	sess.inventory = inventory
	sess.tips = tips
	log.Debug().Msgf("service.Service.announce slot=%d repos=%d tips=%d dropped=%d", sess.Slot, len(inventory), len(m.Tips), dropped)
}

// announcement builds our cached inventory as seen by sess's peer.
func (s *Service) announcement(sess *Session) protocol.GossipAnnounce {
	msg := protocol.GossipAnnounce{Timestamp: s.stamp()}
	repos := make(map[storage.RepoID]bool)
	for _, tip := range s.inventory {
		allowed, seen := repos[tip.Repo]
		if !seen {
			allowed = s.policy.AllowServe(sess.Node, tip.Repo) == nil
			repos[tip.Repo] = allowed
		}
		if !allowed || len(msg.Tips) >= maxAnnounceTips {
			continue
		}
		msg.Tips = append(msg.Tips, protocol.Tip{Repo: string(tip.Repo), Object: string(tip.Object), Tip: string(tip.Tip)})
	}
	for repo, allowed := range repos {
		if allowed {
			msg.Inventory = append(msg.Inventory, string(repo))
		}
	}
	sort.Strings(msg.Inventory)
	return msg
}

func (s *Service) broadcast() {
	for _, sess := range s.sessions {
		if sess.State == Established {
			s.send(sess, s.announcement(sess))
		}
	}
}

// refreshInventory asks the pool for fresh tips. With announce set the
// result is broadcast to every established session.
func (s *Service) refreshInventory(announce bool) {
	if announce {
		s.announcePending = true
	}
	if s.inventoryBusy {
		return
	}
	if err := s.work.Submit(context.Background(), worker.Item{Kind: worker.KindInventory}); err != nil {
		log.Debug().Msgf("service.Service.refreshInventory deferred err=%v", err)
		return
	}
	s.inventoryBusy = true
}

func (s *Service) inventoryDone(res worker.Result) {
	s.inventoryBusy = false
	if res.Err != nil {
		log.Warn().Msgf("service.Service.inventoryDone err=%v", res.Err)
		return
	}
	s.inventory = res.Tips
	if s.announcePending {
		s.announcePending = false
		s.broadcast()
	}
}

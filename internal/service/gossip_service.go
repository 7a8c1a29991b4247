package service

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/logtide/cachenode/internal/metrics"
)

// CacheNodeStatus is the per-node advertisement gossiped to the fleet:
// which replica set the node serves and how much of its slot pool is in
// use. Schedulers and operators use it for a cheap fleet-capacity view;
// the authoritative slot records stay in the metadata store.
type CacheNodeStatus struct {
	NodeID     string `json:"nodeId"`
	ReplicaSet string `json:"replicaSet"`
	TotalSlots int    `json:"totalSlots"`
	LiveSlots  int    `json:"liveSlots"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// GossipServiceConfig holds fleet gossip configuration
type GossipServiceConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipService propagates cache node membership and slot capacity
// across the fleet via memberlist
type GossipService struct {
	config     *GossipServiceConfig
	memberlist *memberlist.Memberlist
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// statusMu guards status: memberlist goroutines read it through the
	// delegate while the node updates its slot counts
	statusMu sync.Mutex
	status   *CacheNodeStatus
}

// NewGossipService creates and joins the gossip mesh
func NewGossipService(cfg *GossipServiceConfig, nodeID, replicaSet string, totalSlots int, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		metrics: m,
		logger:  logger,
		status: &CacheNodeStatus{
			NodeID:     nodeID,
			ReplicaSet: replicaSet,
			TotalSlots: totalSlots,
			UpdatedAt:  time.Now().Unix(),
		},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	m.GossipMembersTotal.Set(float64(ml.NumMembers()))
	return gs, nil
}

// UpdateLiveSlots refreshes the advertised live-slot count
func (s *GossipService) UpdateLiveSlots(liveSlots int) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status.LiveSlots = liveSlots
	s.status.UpdatedAt = time.Now().Unix()
}

// marshalStatus snapshots the advertisement under the status lock
func (s *GossipService) marshalStatus() []byte {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	data, _ := json.Marshal(s.status)
	return data
}

// Members returns the number of visible fleet members
func (s *GossipService) Members() int {
	return s.memberlist.NumMembers()
}

// Shutdown leaves the mesh
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data := s.marshalStatus()
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var status CacheNodeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	s.logger.Debug("Fleet member status",
		zap.String("node_id", status.NodeID),
		zap.String("replica_set", status.ReplicaSet),
		zap.Int("live_slots", status.LiveSlots))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return s.marshalStatus()
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// gossipEventDelegate tracks membership changes
type gossipEventDelegate struct {
	service *GossipService
}

func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Cache node joined fleet",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.updateMemberGauge()
}

func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Cache node left fleet", zap.String("node_id", node.Name))
	d.updateMemberGauge()
}

// updateMemberGauge tolerates events fired while memberlist.Create is
// still registering the local node
func (d *gossipEventDelegate) updateMemberGauge() {
	if d.service.memberlist == nil {
		return
	}
	d.service.metrics.GossipMembersTotal.Set(float64(d.service.memberlist.NumMembers()))
}

func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Cache node updated", zap.String("node_id", node.Name))
}

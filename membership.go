package htrpc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

// Membership gossips the RPC address of each node of a cluster so calls
// can target node names instead of addresses. It is a `Resolver`.
type Membership struct {
	cfg     *config
	logger  *slog.Logger
	rpcAddr string
	ml      *memberlist.Memberlist

	lk    sync.RWMutex
	addrs map[string]string
}

// Member is a node of the cluster and the RPC address it serves on.
type Member struct {
	Name    string
	RPCAddr string
}

// JoinCluster starts gossiping that this node serves on rpcAddr and joins
// the neighbours given with `WithNeighbours`, if any.
func JoinCluster(rpcAddr string, opts ...Option) (*Membership, error) {
	if rpcAddr == "" || len(rpcAddr) > memberlist.MetaMaxSize {
		return nil, invalidf("rpc address %q cannot be advertised", rpcAddr)
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	m := &Membership{
		cfg:     cfg,
		logger:  cfg.logger().With("component", "membership"),
		rpcAddr: rpcAddr,
		addrs:   make(map[string]string),
	}

	mlCfg := cfg.mlCfg
	mlCfg.Delegate = &metaDelegate{rpcAddr: []byte(rpcAddr)}
	mlCfg.Events = &gossip{m: m}
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(cfg.logger().Handler(), slog.LevelDebug)

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	m.ml = ml

	if len(cfg.neighbours) > 0 {
		joined, err := ml.Join(cfg.neighbours)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("%w: %w", ErrJoinCluster, err)
		}
		m.logger.Info("cluster joined")
		if joined != len(cfg.neighbours) {
			m.logger.Warn(
				"not all neighbours are reachable",
				"joined", joined,
				"expected", len(cfg.neighbours),
			)
		}
	}
	return m, nil
}

// Name of the local node.
func (m *Membership) Name() string {
	return m.ml.LocalNode().Name
}

// GossipAddr is the address other nodes can give to `WithNeighbours`.
func (m *Membership) GossipAddr() string {
	return m.ml.LocalNode().Address()
}

// Resolve returns the RPC address advertised by the member named target.
func (m *Membership) Resolve(_ context.Context, target string) (string, error) {
	m.lk.RLock()
	defer m.lk.RUnlock()
	addr, ok := m.addrs[target]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSuchMember, target)
	}
	return addr, nil
}

// Members returns the live members sorted by name.
func (m *Membership) Members() []Member {
	m.lk.RLock()
	members := make([]Member, 0, len(m.addrs))
	for name, addr := range m.addrs {
		members = append(members, Member{Name: name, RPCAddr: addr})
	}
	m.lk.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		return members[i].Name < members[j].Name
	})
	return members
}

// Leave broadcasts the departure of the local node and waits for it to
// propagate, then stops gossiping.
func (m *Membership) Leave(ctx context.Context) error {
	timeout := m.cfg.mlCfg.PushPullInterval
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := m.ml.Leave(timeout); err != nil {
		m.logger.Warn("could not broadcast departure", LabelError.L(err))
	}
	return m.Shutdown()
}

// Shutdown stops gossiping without notifying the other members.
func (m *Membership) Shutdown() error {
	return m.ml.Shutdown()
}

func (m *Membership) set(node *memberlist.Node) {
	m.lk.Lock()
	m.addrs[node.Name] = string(node.Meta)
	n := len(m.addrs)
	m.lk.Unlock()
	m.cfg.msink.SetGaugeWithLabels(MetricMemberCount, float32(n), m.cfg.metricLabels)
}

func (m *Membership) unset(node *memberlist.Node) {
	m.lk.Lock()
	delete(m.addrs, node.Name)
	n := len(m.addrs)
	m.lk.Unlock()
	m.cfg.msink.SetGaugeWithLabels(MetricMemberCount, float32(n), m.cfg.metricLabels)
}

type gossip struct {
	m *Membership
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	g.m.set(node)
	withLogNode(g.m.logger, node).Info("peer joined cluster")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	g.m.unset(node)
	withLogNode(g.m.logger, node).Info("peer left cluster")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	g.m.set(node)
	withLogNode(g.m.logger, node).Info("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(string(node.Meta)),
	)
}

// metaDelegate advertises the RPC address as node metadata, no user
// message is exchanged.
type metaDelegate struct {
	rpcAddr []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	return d.rpcAddr
}

func (d *metaDelegate) NotifyMsg([]byte) {}

func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (d *metaDelegate) LocalState(join bool) []byte {
	return nil
}

func (d *metaDelegate) MergeRemoteState(buf []byte, join bool) {}

package membership

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/devrev/shardroute/internal/model"
	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZKConfig holds ZooKeeper membership configuration
type ZKConfig struct {
	Servers        []string
	Root           string
	SessionTimeout time.Duration
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// ZKFeed discovers nodes through ephemeral znodes under
// <root>/<service>/nodes/<node id>, whose data is the transport address
type ZKFeed struct {
	config  *ZKConfig
	self    model.Node
	conn    *zk.Conn
	tracker *tracker
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewZKFeed creates a ZooKeeper feed; Discover connects and registers self
func NewZKFeed(cfg *ZKConfig, self model.Node, logger *zap.Logger) *ZKFeed {
	if cfg.Root == "" {
		cfg.Root = "/shardroute"
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZKFeed{
		config:  cfg,
		self:    self,
		tracker: newTracker(logger),
		logger:  logger,
	}
}

// NodesPath returns the parent znode of the members of service
func NodesPath(root, service string) string {
	return path.Join(root, service, "nodes")
}

// Discover implements Feed
func (f *ZKFeed) Discover(ctx context.Context, service string) error {
	conn, _, err := zk.Connect(f.config.Servers, f.config.SessionTimeout, zk.WithLogger(zkLogger{f.logger.Sugar()}))
	if err != nil {
		return fmt.Errorf("failed to connect to ZooKeeper: %w", err)
	}
	f.conn = conn

	if err := f.waitConnected(ctx); err != nil {
		conn.Close()
		return err
	}

	nodes := NodesPath(f.config.Root, service)
	if err := f.ensurePath(nodes); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create %s: %w", nodes, err)
	}

	self := path.Join(nodes, string(f.self.ID))
	_, err = conn.Create(self, []byte(f.self.Addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		conn.Close()
		return fmt.Errorf("failed to register %s: %w", self, err)
	}

	f.logger.Info("Registered with ZooKeeper",
		zap.String("path", self),
		zap.String("addr", f.self.Addr))

	watchCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(1)
	go f.watch(watchCtx, nodes)
	return nil
}

// watch re-reads the member list every time it changes
func (f *ZKFeed) watch(ctx context.Context, nodes string) {
	defer f.wg.Done()
	for {
		children, _, ch, err := f.conn.ChildrenW(nodes)
		if err != nil {
			f.logger.Warn("Failed to watch members", zap.String("path", nodes), zap.Error(err))
			select {
			case <-time.After(f.config.RetryInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		f.tracker.sync(f.readMembers(nodes, children))

		select {
		case ev := <-ch:
			f.logger.Debug("Member list changed", zap.String("event", ev.Type.String()))
		case <-ctx.Done():
			return
		}
	}
}

func (f *ZKFeed) readMembers(nodes string, children []string) []model.Node {
	members := make([]model.Node, 0, len(children))
	for _, child := range children {
		data, _, err := f.conn.Get(path.Join(nodes, child))
		if err != nil {
			// The member may have gone between the listing and the read
			f.logger.Debug("Failed to read member", zap.String("node_id", child), zap.Error(err))
			continue
		}
		members = append(members, model.Node{ID: model.NodeID(child), Addr: string(data)})
	}
	return members
}

func (f *ZKFeed) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := f.conn.Exists(cur)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := f.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func (f *ZKFeed) waitConnected(ctx context.Context) error {
	deadline := time.Now().Add(f.config.ConnectTimeout)
	for {
		state := f.conn.State()
		if state == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("not connected to ZooKeeper after %s, state=%v", f.config.ConnectTimeout, state)
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Events implements Feed
func (f *ZKFeed) Events() <-chan model.MembershipEvent {
	return f.tracker.events
}

// Members implements Feed
func (f *ZKFeed) Members() []model.Node {
	return f.tracker.list()
}

// Close removes the ephemeral node by ending the session
func (f *ZKFeed) Close() error {
	f.once.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		if f.conn != nil {
			f.conn.Close()
		}
		f.wg.Wait()
		f.tracker.close()
	})
	return nil
}

// zkLogger adapts zap to the ZooKeeper client's logger
type zkLogger struct {
	sugar *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

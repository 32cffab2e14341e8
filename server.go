package metacache

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tabletdb/metacache/rpcstatus"
)

// HostPort is an advertised RPC endpoint.
type HostPort struct {
	Host string
	Port int
}

func (hp HostPort) String() string { return fmt.Sprintf("%s:%d", hp.Host, hp.Port) }

// ProxyPair is the pair of RPC client handles a Server exposes once its
// connection has been established: a regular tablet-server client and
// an admin client, both bound to the same underlying connection. The
// concrete client types are left to the caller (the RPC transport
// itself is out of scope for this cache) via ProxyBuilder.
type ProxyPair struct {
	Regular interface{}
	Admin   interface{}
}

// ProxyBuilder constructs a ProxyPair over an established connection.
// The default used by NewServerRegistry wraps the *grpc.ClientConn
// itself as both handles; callers that have real generated service
// stubs supply their own builder.
type ProxyBuilder func(conn *grpc.ClientConn) ProxyPair

func defaultProxyBuilder(conn *grpc.ClientConn) ProxyPair {
	return ProxyPair{Regular: conn, Admin: conn}
}

// ServerInfo is the input to ServerRegistry.Upsert: everything the
// master or a merge response tells us about a tablet server.
type ServerInfo struct {
	UUID                 string
	RPCEndpoints         []HostPort
	Location             string
	UnixDomainSocketPath string
}

// Server is the registry's record for one tablet server. The registry
// owns every Server; TabletViews and ServerPickers hold only
// non-owning references keyed by UUID. A Server is never removed from
// the registry short of ClearCache dropping it wholesale.
type Server struct {
	uuid string

	mu           sync.Mutex
	endpoints    []HostPort
	socketPath   string
	location     string
	proxies      *ProxyPair
	lastSockWarn time.Time
}

// UUID returns the server's stable identity.
func (s *Server) UUID() string { return s.uuid }

// Endpoints returns a copy of the server's advertised endpoints.
func (s *Server) Endpoints() []HostPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HostPort, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// Location returns the server's location label.
func (s *Server) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// HasProxy reports whether a usable proxy pair has already been built.
func (s *Server) HasProxy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxies != nil
}

// Proxies returns the current proxy pair, or ok=false if InitProxy has
// not completed successfully yet.
func (s *Server) Proxies() (ProxyPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proxies == nil {
		return ProxyPair{}, false
	}
	return *s.proxies, true
}

func (s *Server) merge(info ServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(info.RPCEndpoints) > 0 {
		s.endpoints = mergeEndpoints(s.endpoints, info.RPCEndpoints)
	}
	if info.Location != "" {
		s.location = info.Location
	}
	if info.UnixDomainSocketPath != "" {
		s.socketPath = info.UnixDomainSocketPath
	}
}

// mergeEndpoints folds newEndpoints into existing without discarding
// previously-known ones, preserving the order existing endpoints were
// first observed in, then appending genuinely new ones.
func mergeEndpoints(existing, newEndpoints []HostPort) []HostPort {
	seen := make(map[HostPort]bool, len(existing))
	for _, hp := range existing {
		seen[hp] = true
	}
	out := existing
	for _, hp := range newEndpoints {
		if !seen[hp] {
			out = append(out, hp)
			seen[hp] = true
		}
	}
	return out
}

// Resolver resolves a tablet server's advertised hostname to concrete
// network addresses. DNS resolution is an external collaborator; the
// default implementation below is the stdlib's, since no example in
// the pack ships a third-party DNS client.
type Resolver interface {
	ResolveAsync(ctx context.Context, host string) ([]string, error)
}

// netResolver is the default Resolver, backed by net.DefaultResolver.
type netResolver struct{}

func (netResolver) ResolveAsync(ctx context.Context, host string) ([]string, error) {
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ServerRegistry interns per-server metadata and lazily builds RPC
// proxies for each server on first use. The registry grows
// monotonically for the lifetime of a MetaCache; ClearCache discards
// it wholesale.
type ServerRegistry struct {
	mu       sync.RWMutex
	byUUID   map[string]*Server
	resolver Resolver
	builder  ProxyBuilder
	dialOpts []grpc.DialOption
	useUDS   bool
	sockWarn time.Duration
	log      *logrus.Logger
}

// NewServerRegistry constructs an empty registry. dialOpts are applied
// to every grpc.NewClient call; pass grpc.WithTransportCredentials(...)
// for anything other than the insecure default.
func NewServerRegistry(cfg Config, log *logrus.Logger, dialOpts ...grpc.DialOption) *ServerRegistry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &ServerRegistry{
		byUUID:   make(map[string]*Server),
		resolver: netResolver{},
		builder:  defaultProxyBuilder,
		dialOpts: dialOpts,
		useUDS:   cfg.UseUnixDomainSockets,
		sockWarn: cfg.SocketPathWarnInterval,
		log:      log,
	}
}

// SetResolver overrides the DNS resolver, mainly for tests.
func (r *ServerRegistry) SetResolver(resolver Resolver) { r.resolver = resolver }

// SetProxyBuilder overrides how a connection is turned into a
// ProxyPair, mainly for tests and for callers with real generated
// service stubs.
func (r *ServerRegistry) SetProxyBuilder(b ProxyBuilder) { r.builder = b }

// Upsert interns info, merging it into an existing Server record if
// the UUID is already known. Idempotent.
func (r *ServerRegistry) Upsert(info ServerInfo) *Server {
	r.mu.Lock()
	s, ok := r.byUUID[info.UUID]
	if !ok {
		s = &Server{
			uuid:       info.UUID,
			endpoints:  append([]HostPort(nil), info.RPCEndpoints...),
			location:   info.Location,
			socketPath: info.UnixDomainSocketPath,
		}
		r.byUUID[info.UUID] = s
		r.mu.Unlock()
		return s
	}
	r.mu.Unlock()
	s.merge(info)
	return s
}

// Get returns the Server for uuid, or nil if unknown.
func (r *ServerRegistry) Get(uuid string) *Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUUID[uuid]
}

// Len reports how many servers are interned.
func (r *ServerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUUID)
}

// Clear discards every interned server, the registry half of
// ClearCache. Configuration (resolver, proxy builder, dial options)
// survives.
func (r *ServerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUUID = make(map[string]*Server)
}

// InitProxy builds server's proxy pair if one doesn't already exist,
// and invokes cb once the attempt completes. Multiple concurrent
// InitProxy calls for the same server may race: the last writer
// installs a complete pair and every caller observes a usable proxy
// either way, so races are safe by construction. Matches the spec's
// asynchronous callback shape with a goroutine, the idiomatic Go
// equivalent of a callback-driven async call.
func (r *ServerRegistry) InitProxy(ctx context.Context, server *Server, cb func(error)) {
	go cb(r.initProxy(ctx, server))
}

func (r *ServerRegistry) initProxy(ctx context.Context, server *Server) error {
	server.mu.Lock()
	if server.proxies != nil {
		server.mu.Unlock()
		return nil
	}
	endpoints := append([]HostPort(nil), server.endpoints...)
	socketPath := server.socketPath
	server.mu.Unlock()

	if len(endpoints) == 0 {
		return fmt.Errorf("metacache: server %s advertises no endpoints", server.uuid)
	}
	first := endpoints[0]

	var target string
	if r.useUDS && socketPath != "" && isLocalHost(first.Host) {
		if !strings.HasPrefix(socketPath, "/") {
			r.warnMalformedSocket(server)
			target = ""
		} else {
			target = "unix:" + socketPath
		}
	}

	if target == "" {
		addrs, err := r.resolver.ResolveAsync(ctx, first.Host)
		if err != nil {
			return rpcstatus.NewResolutionFailure(server.uuid, err)
		}
		if len(addrs) == 0 {
			return fmt.Errorf("metacache: no addresses for %s", first)
		}
		target = fmt.Sprintf("%s:%d", addrs[0], first.Port)
	}

	conn, err := grpc.NewClient(target, r.dialOpts...)
	if err != nil {
		return rpcstatus.NewResolutionFailure(server.uuid, err)
	}

	pair := r.builder(conn)
	server.mu.Lock()
	server.proxies = &pair
	server.mu.Unlock()
	r.log.WithFields(logrus.Fields{"server_uuid": server.uuid, "target": target}).
		Debug("metacache: proxy initialized")
	return nil
}

func (r *ServerRegistry) warnMalformedSocket(server *Server) {
	server.mu.Lock()
	defer server.mu.Unlock()
	now := time.Now()
	if now.Sub(server.lastSockWarn) < r.sockWarn {
		return
	}
	server.lastSockWarn = now
	r.log.WithField("server_uuid", server.uuid).
		Warn("metacache: malformed unix domain socket path, falling back to TCP")
}

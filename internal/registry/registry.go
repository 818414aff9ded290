// Package registry holds the gateway's authoritative list of upstream
// services and the routing table derived from them: a host-scoped trie over
// path segments offering O(depth) longest-prefix matching, reloaded
// atomically so readers never observe a partial table.
package registry

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	gwerrors "github.com/tause-ai/gateway/internal/errors"
)

// atomicState is a lock-free swappable pointer to the current routing
// table.
type atomicState struct {
	p atomic.Pointer[state]
}

func (a *atomicState) load() *state   { return a.p.Load() }
func (a *atomicState) store(s *state) { a.p.Store(s) }

// RetryPolicy configures the proxy's retry behavior for a service.
type RetryPolicy struct {
	Attempts int
	BaseMS   int
}

// Backend is one upstream instance behind a service, optionally weighted
// when a service declares more than one.
type Backend struct {
	URL    string
	Weight int
}

// Service is an upstream microservice registration.
type Service struct {
	ID             string
	Host           string // empty matches any host (wildcard scope)
	BaseURL        string
	PathPrefix     string
	AllowedMethods []string
	TimeoutMS      int
	RetryPolicy    RetryPolicy
	StripPrefix    bool
	RequiredScopes []string
	HealthPath     string
	Tags           []string
}

func (s Service) allowedMethodSet() map[string]struct{} {
	if len(s.AllowedMethods) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(s.AllowedMethods))
	for _, m := range s.AllowedMethods {
		set[strings.ToUpper(m)] = struct{}{}
	}
	return set
}

// Match is the result of a successful lookup_by_path.
type Match struct {
	Service     Service
	MatchedPath string // the path_prefix that matched
}

// trieNode indexes services by path segment for O(depth) longest-prefix lookup.
type trieNode struct {
	children map[string]*trieNode
	service  *Service // set when a service's path_prefix ends at this node
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

func (n *trieNode) insert(segments []string, svc *Service) {
	cur := n
	for _, seg := range segments {
		child, ok := cur.children[seg]
		if !ok {
			child = newTrieNode()
			cur.children[seg] = child
		}
		cur = child
	}
	cur.service = svc
}

// longestMatch walks segments from the root, remembering the deepest node
// that carries a registered service — that is the longest matching prefix.
func (n *trieNode) longestMatch(segments []string) (*Service, int) {
	cur := n
	var best *Service
	bestDepth := 0
	if cur.service != nil {
		best, bestDepth = cur.service, 0
	}
	for i, seg := range segments {
		child, ok := cur.children[seg]
		if !ok {
			break
		}
		cur = child
		if cur.service != nil {
			best, bestDepth = cur.service, i+1
		}
	}
	return best, bestDepth
}

func splitPrefix(prefix string) []string {
	trimmed := strings.Trim(prefix, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

const wildcardHost = "*"

// state is the immutable routing table swapped in on every reload.
type state struct {
	services []Service
	byID     map[string]Service
	byHost   map[string]*trieNode
}

func buildState(services []Service) (*state, error) {
	st := &state{
		services: services,
		byID:     make(map[string]Service, len(services)),
		byHost:   make(map[string]*trieNode),
	}

	type prefixKey struct {
		host   string
		prefix string
	}
	seenPrefix := make(map[prefixKey]string)

	for _, svc := range services {
		if _, dup := st.byID[svc.ID]; dup {
			return nil, gwerrors.New(gwerrors.ConfigInvalid, "duplicate service id: "+svc.ID)
		}
		if _, err := url.ParseRequestURI(svc.BaseURL); err != nil {
			return nil, gwerrors.Wrap(err, gwerrors.ConfigInvalid, "service "+svc.ID+" has unparseable base_url")
		}

		host := svc.Host
		if host == "" {
			host = wildcardHost
		}
		key := prefixKey{host: host, prefix: svc.PathPrefix}
		if existing, dup := seenPrefix[key]; dup {
			return nil, gwerrors.New(gwerrors.ConfigInvalid,
				"service "+svc.ID+" duplicates path_prefix "+svc.PathPrefix+" already claimed by "+existing+" in host scope "+host)
		}
		seenPrefix[key] = svc.ID

		st.byID[svc.ID] = svc

		root, ok := st.byHost[host]
		if !ok {
			root = newTrieNode()
			st.byHost[host] = root
		}
		svcCopy := svc
		root.insert(splitPrefix(svc.PathPrefix), &svcCopy)
	}

	return st, nil
}

// Registry holds the current routing table behind a swappable pointer so
// reads never block the writer and the writer never blocks readers.
type Registry struct {
	current atomicState
	repo    ServiceRepository
}

// New builds a Registry from an initial service set. Use NewFromRepository
// to load from a ServiceRepository (file or SQL backed) instead.
func New(services []Service) (*Registry, error) {
	st, err := buildState(services)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.store(st)
	return r, nil
}

// NewFromRepository loads the initial service set from repo.
func NewFromRepository(repo ServiceRepository) (*Registry, error) {
	services, err := repo.List(context.Background())
	if err != nil {
		return nil, err
	}
	r, err := New(services)
	if err != nil {
		return nil, err
	}
	r.repo = repo
	return r, nil
}

// LookupByPath returns the service whose path_prefix is the longest match
// for path within host's scope, falling back to the wildcard host scope.
func (r *Registry) LookupByPath(host, path string) (Match, bool) {
	st := r.current.load()
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		segments = nil
	}

	var best *Service
	bestDepth := -1

	if root, ok := st.byHost[host]; ok && host != wildcardHost {
		if svc, depth := root.longestMatch(segments); svc != nil {
			best, bestDepth = svc, depth
		}
	}
	if root, ok := st.byHost[wildcardHost]; ok {
		if svc, depth := root.longestMatch(segments); svc != nil && depth > bestDepth {
			best, bestDepth = svc, depth
		}
	}

	if best == nil {
		return Match{}, false
	}
	return Match{Service: *best, MatchedPath: best.PathPrefix}, true
}

// MethodAllowed reports whether method is permitted for svc. An empty
// AllowedMethods set permits every method.
func MethodAllowed(svc Service, method string) bool {
	set := svc.allowedMethodSet()
	if set == nil {
		return true
	}
	_, ok := set[strings.ToUpper(method)]
	return ok
}

// List returns a read-consistent snapshot of every registered service,
// sorted by id for deterministic output.
func (r *Registry) List() []Service {
	st := r.current.load()
	out := make([]Service, len(st.services))
	copy(out, st.services)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single service by id.
func (r *Registry) Get(id string) (Service, bool) {
	st := r.current.load()
	svc, ok := st.byID[id]
	return svc, ok
}

// Reload validates newSet and, only if valid, atomically swaps the routing
// table. On validation failure the prior table is left untouched.
func (r *Registry) Reload(newSet []Service) error {
	st, err := buildState(newSet)
	if err != nil {
		return err
	}
	r.current.store(st)
	return nil
}

// ReloadFromRepository re-reads the backing ServiceRepository and reloads.
func (r *Registry) ReloadFromRepository() error {
	if r.repo == nil {
		return gwerrors.New(gwerrors.GatewayInternal, "registry has no backing repository")
	}
	services, err := r.repo.List(context.Background())
	if err != nil {
		return err
	}
	return r.Reload(services)
}

// Timeout returns s's timeout as a time.Duration, falling back to
// fallbackMS when the service declares none.
func (s Service) Timeout(fallbackMS int) time.Duration {
	ms := s.TimeoutMS
	if ms <= 0 {
		ms = fallbackMS
	}
	return time.Duration(ms) * time.Millisecond
}

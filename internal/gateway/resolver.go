package gateway

import (
	"fmt"
	"strings"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Resolver maps an object kind to the REST resource it is served under and
// reports whether the kind is namespaced.
type Resolver interface {
	Resolve(kind string) (gvr schema.GroupVersionResource, namespaced bool, err error)
}

// PreferredResourcesLister is the slice of the discovery client the resolver
// needs. Satisfied by discovery.DiscoveryInterface.
type PreferredResourcesLister interface {
	ServerPreferredResources() ([]*metav1.APIResourceList, error)
}

type resolution struct {
	gvr        schema.GroupVersionResource
	namespaced bool
}

// discoveryResolver builds its kind table lazily from the API server's
// preferred resources and refreshes it once per unknown kind, so kinds
// added by newly installed CRDs become resolvable without a restart.
type discoveryResolver struct {
	discovery PreferredResourcesLister

	mu    sync.Mutex
	kinds map[string]resolution
}

// NewDiscoveryResolver returns a Resolver backed by API discovery.
func NewDiscoveryResolver(d PreferredResourcesLister) Resolver {
	return &discoveryResolver{discovery: d}
}

func (r *discoveryResolver) Resolve(kind string) (schema.GroupVersionResource, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.kinds[kind]; ok {
		return res.gvr, res.namespaced, nil
	}

	if err := r.syncLocked(); err != nil {
		return schema.GroupVersionResource{}, false, fmt.Errorf("discovery failed: %w", err)
	}

	res, ok := r.kinds[kind]
	if !ok {
		return schema.GroupVersionResource{}, false, fmt.Errorf("no served resource for kind %q", kind)
	}
	return res.gvr, res.namespaced, nil
}

func (r *discoveryResolver) syncLocked() error {
	lists, err := r.discovery.ServerPreferredResources()
	// Partial discovery failures still return the groups that worked.
	if err != nil && len(lists) == 0 {
		return err
	}

	kinds := make(map[string]resolution)
	for _, list := range lists {
		gv, err := schema.ParseGroupVersion(list.GroupVersion)
		if err != nil {
			continue
		}
		for _, res := range list.APIResources {
			// Skip subresources such as "deployments/status".
			if strings.Contains(res.Name, "/") {
				continue
			}
			if _, exists := kinds[res.Kind]; exists {
				// First match wins; preferred lists are ordered with core
				// groups first.
				continue
			}
			kinds[res.Kind] = resolution{
				gvr:        gv.WithResource(res.Name),
				namespaced: res.Namespaced,
			}
		}
	}
	r.kinds = kinds
	return nil
}

// staticResolver serves a fixed kind table. Used in tests and for clusters
// where the resource set is known up front.
type staticResolver struct {
	kinds map[string]resolution
}

// NewStaticResolver builds a Resolver from explicit kind registrations.
func NewStaticResolver() *StaticResolverBuilder {
	return &StaticResolverBuilder{kinds: make(map[string]resolution)}
}

// StaticResolverBuilder accumulates kind registrations.
type StaticResolverBuilder struct {
	kinds map[string]resolution
}

// Namespaced registers a namespaced kind.
func (b *StaticResolverBuilder) Namespaced(kind string, gvr schema.GroupVersionResource) *StaticResolverBuilder {
	b.kinds[kind] = resolution{gvr: gvr, namespaced: true}
	return b
}

// ClusterScoped registers a cluster-scoped kind.
func (b *StaticResolverBuilder) ClusterScoped(kind string, gvr schema.GroupVersionResource) *StaticResolverBuilder {
	b.kinds[kind] = resolution{gvr: gvr, namespaced: false}
	return b
}

// Build returns the immutable resolver.
func (b *StaticResolverBuilder) Build() Resolver {
	return &staticResolver{kinds: b.kinds}
}

func (r *staticResolver) Resolve(kind string) (schema.GroupVersionResource, bool, error) {
	res, ok := r.kinds[kind]
	if !ok {
		return schema.GroupVersionResource{}, false, fmt.Errorf("no served resource for kind %q", kind)
	}
	return res.gvr, res.namespaced, nil
}

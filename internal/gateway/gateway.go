// Package gateway is the module's boundary to the remote object store. The
// production implementation talks to a Kubernetes API server through the
// dynamic client; everything above it sees only the Gateway interface and
// the normalized error taxonomy.
package gateway

import (
	"context"
	"fmt"

	slogcontext "github.com/veqryn/slog-context"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/kubepane/kubepane/internal/codec"
)

// FieldManager is the manager name recorded for writes issued by this module.
const FieldManager = "kubepane"

// Identity addresses one remote object for the lifetime of an editing
// session. Namespace is empty for cluster-scoped kinds.
type Identity struct {
	Namespace string `json:"namespace,omitempty"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
}

func (id Identity) String() string {
	if id.Namespace == "" {
		return fmt.Sprintf("%s/%s", id.Kind, id.Name)
	}
	return fmt.Sprintf("%s/%s/%s", id.Namespace, id.Kind, id.Name)
}

// Event is one entry of a subscription stream. Object is nil when the
// remote object was deleted.
type Event struct {
	Object       *unstructured.Unstructured
	VersionToken string
	Deleted      bool
}

// Subscription is a stream of remote changes for a single identity. The
// Events channel is closed when the underlying watch ends; callers
// re-subscribe if they still care.
type Subscription interface {
	Events() <-chan Event
	Stop()
}

// Gateway is the remote object store boundary.
//
// All errors returned by a Gateway are normalized: *ValidationError for
// content rejections, *NotFoundError for missing objects, *TransportError
// for everything else.
type Gateway interface {
	// Fetch returns the current snapshot of the object and its version token.
	Fetch(ctx context.Context, id Identity) (*unstructured.Unstructured, string, error)

	// Submit sends a serialized object as the new desired state and returns
	// the version token the store assigned to the accepted write.
	Submit(ctx context.Context, id Identity, serialized string) (string, error)

	// Delete removes the object.
	Delete(ctx context.Context, id Identity) error

	// Subscribe opens a change stream for the object. Events are delivered
	// in receipt order.
	Subscribe(ctx context.Context, id Identity) (Subscription, error)
}

type dynamicGateway struct {
	client   dynamic.Interface
	resolver Resolver
}

// NewDynamic builds a Gateway over a dynamic Kubernetes client. The resolver
// maps object kinds to their REST resources.
func NewDynamic(client dynamic.Interface, resolver Resolver) Gateway {
	return &dynamicGateway{client: client, resolver: resolver}
}

func (g *dynamicGateway) resourceFor(id Identity) (dynamic.ResourceInterface, error) {
	gvr, namespaced, err := g.resolver.Resolve(id.Kind)
	if err != nil {
		return nil, &TransportError{Op: "resolve " + id.Kind, Err: err}
	}
	if namespaced {
		ns := id.Namespace
		if ns == "" {
			ns = metav1.NamespaceDefault
		}
		return g.client.Resource(gvr).Namespace(ns), nil
	}
	return g.client.Resource(gvr), nil
}

func (g *dynamicGateway) Fetch(ctx context.Context, id Identity) (*unstructured.Unstructured, string, error) {
	ri, err := g.resourceFor(id)
	if err != nil {
		return nil, "", err
	}

	obj, err := ri.Get(ctx, id.Name, metav1.GetOptions{})
	if err != nil {
		return nil, "", normalizeError("fetch", id, err)
	}

	slogcontext.FromCtx(ctx).Debug("fetched object",
		"identity", id.String(), "resourceVersion", obj.GetResourceVersion())
	return obj, obj.GetResourceVersion(), nil
}

func (g *dynamicGateway) Submit(ctx context.Context, id Identity, serialized string) (string, error) {
	obj, err := codec.Parse(serialized)
	if err != nil {
		// The session parses before submitting, so reaching this means the
		// caller bypassed the parse guard.
		return "", &TransportError{Op: "submit", Err: err}
	}

	ri, err := g.resourceFor(id)
	if err != nil {
		return "", err
	}

	updated, err := ri.Update(ctx, obj, metav1.UpdateOptions{FieldManager: FieldManager})
	if err != nil {
		return "", normalizeError("submit", id, err)
	}

	slogcontext.FromCtx(ctx).Info("submitted object",
		"identity", id.String(), "resourceVersion", updated.GetResourceVersion())
	return updated.GetResourceVersion(), nil
}

func (g *dynamicGateway) Delete(ctx context.Context, id Identity) error {
	ri, err := g.resourceFor(id)
	if err != nil {
		return err
	}
	if err := ri.Delete(ctx, id.Name, metav1.DeleteOptions{}); err != nil {
		return normalizeError("delete", id, err)
	}
	return nil
}

func (g *dynamicGateway) Subscribe(ctx context.Context, id Identity) (Subscription, error) {
	ri, err := g.resourceFor(id)
	if err != nil {
		return nil, err
	}

	w, err := ri.Watch(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("metadata.name", id.Name).String(),
	})
	if err != nil {
		return nil, normalizeError("subscribe", id, err)
	}

	sub := &watchSubscription{
		watcher: w,
		events:  make(chan Event),
	}
	go sub.pump(ctx, id)
	return sub, nil
}

type watchSubscription struct {
	watcher watch.Interface
	events  chan Event
}

func (s *watchSubscription) Events() <-chan Event {
	return s.events
}

func (s *watchSubscription) Stop() {
	s.watcher.Stop()
}

// pump converts raw watch events into gateway events. The name filter is
// repeated client-side so the subscription stays correct against stores
// that ignore field selectors.
func (s *watchSubscription) pump(ctx context.Context, id Identity) {
	defer close(s.events)
	log := slogcontext.FromCtx(ctx).With("identity", id.String())

	for ev := range s.watcher.ResultChan() {
		obj, ok := ev.Object.(*unstructured.Unstructured)
		if !ok || obj.GetName() != id.Name {
			continue
		}

		var out Event
		switch ev.Type {
		case watch.Added, watch.Modified:
			out = Event{Object: obj, VersionToken: obj.GetResourceVersion()}
		case watch.Deleted:
			out = Event{VersionToken: obj.GetResourceVersion(), Deleted: true}
		default:
			log.Debug("ignoring watch event", "type", ev.Type)
			continue
		}

		select {
		case s.events <- out:
		case <-ctx.Done():
			s.watcher.Stop()
			return
		}
	}
	log.Debug("watch stream closed")
}

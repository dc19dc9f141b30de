package endpoint

import (
	"context"
	"fmt"
	"os"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// ComponentLabel marks Services fronting a forwarded singleuser server.
const (
	ComponentLabel = "component"
	ComponentValue = "singleuser-server"
)

// Request describes the endpoint to publish for one session.
type Request struct {
	Name           string
	Port           int
	ExtraLabels    map[string]string
	ConnectionInfo map[string]any
}

// Publisher creates and removes the stable endpoint in front of a forwarded
// port.
type Publisher interface {
	// Publish creates the endpoint, replacing an existing one with the same
	// name. It returns the name and port clients should connect to.
	Publish(ctx context.Context, req Request) (string, int, error)
	// Unpublish deletes the endpoint. A missing endpoint is reported as an
	// error; callers that do not care use IsNotFound.
	Unpublish(ctx context.Context, name string) error
}

// Lister is implemented by publishers that can report which endpoints
// currently exist.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// FuncPublisher adapts site-specific functions to Publisher.
type FuncPublisher struct {
	PublishFunc   func(ctx context.Context, req Request) (string, int, error)
	UnpublishFunc func(ctx context.Context, name string) error
}

func (f FuncPublisher) Publish(ctx context.Context, req Request) (string, int, error) {
	if f.PublishFunc == nil {
		return req.Name, req.Port, nil
	}
	return f.PublishFunc(ctx, req)
}

func (f FuncPublisher) Unpublish(ctx context.Context, name string) error {
	if f.UnpublishFunc == nil {
		return nil
	}
	return f.UnpublishFunc(ctx, name)
}

// IsNotFound reports whether err means the endpoint did not exist.
func IsNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

const namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// DetectNamespace returns the namespace of the pod this process runs in, or
// "default" outside a cluster.
func DetectNamespace() string {
	data, err := os.ReadFile(namespaceFile)
	if err != nil {
		return "default"
	}
	if ns := strings.TrimSpace(string(data)); ns != "" {
		return ns
	}
	return "default"
}

// DNSName expands a template such as "{name}.{namespace}.svc.cluster.local".
func DNSName(template, namespace, name string) string {
	return strings.NewReplacer("{name}", name, "{namespace}", namespace).Replace(template)
}

// Address returns the URL a client uses to reach a published endpoint.
func Address(internalSSL bool, host string, port int) string {
	proto := "http://"
	if internalSSL {
		proto = "https://"
	}
	return fmt.Sprintf("%s%s:%d", proto, host, port)
}

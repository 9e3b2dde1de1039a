package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/ypcloud/uptimed/pkg/config"
	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/service"
)

const (
	// DefaultWatchTimeout is the server-side timeout requested for one
	// watch stream. The API server closes the stream when it expires and
	// the provider re-resolves its whole fleet.
	DefaultWatchTimeout = 24 * time.Hour

	// DefaultRestartWait is the pause before re-watching after an error
	DefaultRestartWait = 30 * time.Second
)

// IngressProvider watches Ingresses across all namespaces of one cluster
// and mirrors their HTTP health endpoints into the monitor. Every rule
// host and path becomes one IngressService probing
// https://<host><path>/health.
type IngressProvider struct {
	cfg          *config.ProviderConfig
	fleet        Fleet
	client       kubernetes.Interface
	watchTimeout time.Duration
	restartWait  time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	logger   zerolog.Logger
}

// NewIngress creates a provider for one cluster. The clientset is
// injected so callers decide how the kubeconfig context is resolved.
func NewIngress(cfg *config.ProviderConfig, fleet Fleet, client kubernetes.Interface) *IngressProvider {
	return &IngressProvider{
		cfg:          cfg,
		fleet:        fleet,
		client:       client,
		watchTimeout: DefaultWatchTimeout,
		restartWait:  DefaultRestartWait,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		logger:       log.WithProvider(cfg.Name),
	}
}

// WithRestartWait overrides the pause between failed watch attempts
func (p *IngressProvider) WithRestartWait(d time.Duration) *IngressProvider {
	p.restartWait = d
	return p
}

// WithWatchTimeout overrides the server-side watch timeout
func (p *IngressProvider) WithWatchTimeout(d time.Duration) *IngressProvider {
	p.watchTimeout = d
	return p
}

func (p *IngressProvider) Name() string { return p.cfg.Name }

// Start launches the watch loop
func (p *IngressProvider) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.logger.Info().Str("context", p.cfg.Context).Msg("ingress provider starting")
	go p.run(ctx)
}

// Stop cancels the watch and joins the loop
func (p *IngressProvider) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.cancel()
	})
	<-p.doneCh
	p.logger.Info().Msg("ingress provider stopped")
}

// run re-watches until stopped. The API server closes streams when the
// requested timeout expires, so a closed channel is a normal restart,
// not an error.
func (p *IngressProvider) run(ctx context.Context) {
	defer close(p.doneCh)

	for {
		if err := p.watch(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Dur("wait", p.restartWait).Msg("ingress watch failed, restarting")
			if !p.sleep(p.restartWait) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// watch opens one stream and applies its events until it ends. The
// bucket is cleaned first so the fleet is rebuilt from the initial
// ADDED events of the fresh stream and restarts never leak services.
func (p *IngressProvider) watch(ctx context.Context) error {
	p.fleet.RemoveProvider(p.cfg.Name)

	timeout := int64(p.watchTimeout / time.Second)
	w, err := p.client.NetworkingV1().Ingresses(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		TimeoutSeconds: &timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to watch ingresses: %w", err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			p.handle(ev)
		}
	}
}

func (p *IngressProvider) handle(ev watch.Event) {
	ing, ok := ev.Object.(*networkingv1.Ingress)
	if !ok {
		return
	}

	switch ev.Type {
	case watch.Added:
		for _, svc := range p.services(ing) {
			p.fleet.Add(svc, p.cfg.Name)
		}
	case watch.Deleted:
		for _, svc := range p.services(ing) {
			p.fleet.Remove(svc, p.cfg.Name)
		}
	case watch.Modified:
		// The old rule set is unknown at this point, so drop everything
		// recorded for this ingress and re-add the current endpoints.
		ns, name := ing.Namespace, ing.Name
		p.fleet.RemoveMatching(p.cfg.Name, func(svc service.Service) bool {
			is, ok := svc.(*service.IngressService)
			return ok && is.NS() == ns && is.Name() == name
		})
		for _, svc := range p.services(ing) {
			p.fleet.Add(svc, p.cfg.Name)
		}
	}
}

// services builds the probes an ingress object currently exposes
func (p *IngressProvider) services(ing *networkingv1.Ingress) []service.Service {
	var out []service.Service
	for _, rule := range ing.Spec.Rules {
		if rule.Host == "" || rule.HTTP == nil {
			continue
		}
		for _, path := range rule.HTTP.Paths {
			url := healthURL(rule.Host, path.Path)
			if !p.wanted(url) {
				continue
			}
			svc := service.NewIngressService(ing.Namespace, ing.Name, url)
			if p.cfg.Category != "" {
				svc = svc.WithCategory(p.cfg.Category)
			}
			if hdr := p.headerFor(url); hdr != nil {
				svc = svc.WithHeader(hdr.Name, hdr.Value)
			}
			out = append(out, svc)
		}
	}
	return out
}

// wanted applies the exclude then include patterns to a URL
func (p *IngressProvider) wanted(url string) bool {
	for _, re := range p.cfg.ExcludeRegexps() {
		if re.MatchString(url) {
			return false
		}
	}
	include := p.cfg.IncludeRegexps()
	if len(include) == 0 {
		return true
	}
	for _, re := range include {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// headerFor returns the first header rule matching the URL, if any
func (p *IngressProvider) headerFor(url string) *config.HeaderRule {
	for i := range p.cfg.Headers {
		if p.cfg.Headers[i].Regexp().MatchString(url) {
			return &p.cfg.Headers[i]
		}
	}
	return nil
}

func (p *IngressProvider) sleep(d time.Duration) bool {
	select {
	case <-p.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// healthURL builds the probe URL for one rule host and path. The path
// is normalized to carry leading and trailing slashes before "health"
// is appended.
func healthURL(host, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return "https://" + host + path + "health"
}

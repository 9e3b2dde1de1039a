package provider

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ypcloud/uptimed/pkg/config"
	"github.com/ypcloud/uptimed/pkg/log"
	"github.com/ypcloud/uptimed/pkg/service"
)

// FileProvider monitors one YAML file holding a list of service
// definitions (the static fleet schema) and mirrors its content into
// the monitor. Every write replaces the provider's whole bucket; a file
// that fails to parse leaves the previous fleet in place.
type FileProvider struct {
	name  string
	path  string
	fleet Fleet

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewFile creates a provider for one fleet file
func NewFile(name, path string, fleet Fleet) *FileProvider {
	return &FileProvider{
		name:   name,
		path:   filepath.Clean(path),
		fleet:  fleet,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: log.WithProvider(name),
	}
}

func (p *FileProvider) Name() string { return p.name }

// Start loads the file once and launches the watch loop
func (p *FileProvider) Start() {
	p.logger.Info().Str("path", p.path).Msg("file provider starting")
	go p.run()
}

// Stop interrupts the watch loop and joins it
func (p *FileProvider) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
	p.logger.Info().Msg("file provider stopped")
}

func (p *FileProvider) run() {
	defer close(p.doneCh)

	p.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to create file watcher")
		return
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and config managers
	// replace files atomically, which drops a watch placed on the file
	// itself.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		p.logger.Error().Err(err).Str("path", p.path).Msg("failed to watch fleet file")
		return
	}

	for {
		select {
		case <-p.stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != p.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			p.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// reload parses the fleet file and swaps the bucket content. All
// definitions must build before anything is touched, so a broken file
// never shrinks the running fleet.
func (p *FileProvider) reload() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		p.logger.Error().Err(err).Str("path", p.path).Msg("failed to read fleet file")
		return
	}

	var defs []config.ServiceConfig
	if err := yaml.Unmarshal(data, &defs); err != nil {
		p.logger.Error().Err(err).Str("path", p.path).Msg("failed to parse fleet file, keeping previous services")
		return
	}

	svcs := make([]service.Service, 0, len(defs))
	for i, def := range defs {
		svc, err := def.Build()
		if err != nil {
			p.logger.Error().Err(err).Int("index", i).Msg("bad service definition, keeping previous services")
			return
		}
		svcs = append(svcs, svc)
	}

	p.fleet.RemoveProvider(p.name)
	for _, svc := range svcs {
		p.fleet.Add(svc, p.name)
	}
	p.logger.Info().Int("services", len(svcs)).Msg("fleet file loaded")
}

package config

import "sync/atomic"

// Holder publishes the current *Config to concurrent readers. The config
// watcher, SIGHUP reloads and the worker share one Holder, so a reload is
// visible everywhere at once.
type Holder struct {
	cfg  atomic.Pointer[Config]
	path string
}

// NewHolder creates a Holder for the config loaded from path.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.cfg.Store(cfg)

	return h
}

// Config returns the current snapshot. Callers must not mutate it; load a
// fresh Config and Update instead.
func (h *Holder) Config() *Config {
	return h.cfg.Load()
}

// Path returns the config file the Holder reloads from.
func (h *Holder) Path() string {
	return h.path
}

// Update swaps in cfg and returns the snapshot it replaced.
func (h *Holder) Update(cfg *Config) *Config {
	return h.cfg.Swap(cfg)
}

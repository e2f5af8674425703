package options

import (
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// InmemoryStore keeps server options in memory and pushes changes to every
// registered update channel. The JSON snapshot leaves passwords out so it
// can back a debug surface.
type InmemoryStore struct {
	mu          sync.Mutex
	values      map[string]ServerOption
	updateChans []chan *Update

	// stop will be closed when Close() is called
	stop chan struct{}
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		values: make(map[string]ServerOption),
		stop:   make(chan struct{}),
	}
}

func (i *InmemoryStore) Close() error {
	if i.isRunning() {
		close(i.stop)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for _, updateChan := range i.updateChans {
		close(updateChan)
	}
	i.updateChans = nil

	return nil
}

func (i *InmemoryStore) Put(option ServerOption) error {
	option = option.withDefaults()

	i.mu.Lock()
	i.values[option.Addr()] = option
	i.notify(&Update{Kind: UpdatePut, Option: option})
	i.mu.Unlock()

	return nil
}

func (i *InmemoryStore) Get(addr string) (ServerOption, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	option, ok := i.values[addr]
	return option, ok
}

func (i *InmemoryStore) Remove(addr string) error {
	i.mu.Lock()
	option, ok := i.values[addr]
	if ok {
		delete(i.values, addr)
		i.notify(&Update{Kind: UpdateRemove, Option: option})
	}
	i.mu.Unlock()

	return nil
}

// List returns a snapshot sorted by address, stable under concurrent
// mutation.
func (i *InmemoryStore) List() []ServerOption {
	i.mu.Lock()
	list := make([]ServerOption, 0, len(i.values))
	for _, option := range i.values {
		list = append(list, option)
	}
	i.mu.Unlock()

	sort.Slice(list, func(a, b int) bool {
		return list[a].Addr() < list[b].Addr()
	})

	return list
}

func (i *InmemoryStore) ListenToUpdates() <-chan *Update {
	i.mu.Lock()
	defer i.mu.Unlock()

	updateChan := make(chan *Update, 255)
	i.updateChans = append(i.updateChans, updateChan)

	return updateChan
}

// Backup serialises the collection to JSON keyed by address. Passwords are
// deliberately omitted.
func (i *InmemoryStore) Backup() ([]byte, error) {
	out := []byte("{}")

	var err error
	for _, option := range i.List() {
		out, err = sjson.SetBytes(out, escapePath(option.Addr()), map[string]interface{}{
			"host":        option.Host,
			"port":        option.Port,
			"eventFilter": option.EventFilter,
			"routingKey":  option.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Restore loads entries from a Backup snapshot without emitting updates.
func (i *InmemoryStore) Restore(data []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	gjson.ParseBytes(data).ForEach(func(_, value gjson.Result) bool {
		option := ServerOption{
			Host:        value.Get("host").String(),
			Port:        int(value.Get("port").Int()),
			EventFilter: value.Get("eventFilter").String(),
			RoutingKey:  value.Get("routingKey").String(),
		}.withDefaults()

		i.values[option.Addr()] = option
		return true
	})

	return nil
}

// notify must run with the mutex held.
func (i *InmemoryStore) notify(update *Update) {
	if !i.isRunning() {
		return
	}

	for _, updateChan := range i.updateChans {
		updateChan <- update
	}
}

// isRunning returns true if Close has not been called
func (i *InmemoryStore) isRunning() bool {
	select {
	case <-i.stop:
		return false

	default:
		return true
	}
}

// escapePath guards the dots in host addresses against sjson/gjson path
// syntax.
func escapePath(addr string) string {
	return strings.ReplaceAll(addr, ".", "\\.")
}

var _ Store = (*InmemoryStore)(nil)

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/RelayPipe/internal/models"
	"github.com/BTreeMap/RelayPipe/internal/script"
	"github.com/BTreeMap/RelayPipe/internal/store"
)

type cachedScript struct {
	record *models.ScriptRecord
	interp *script.Interpreter
}

// scriptCache holds parsed Script Definitions by script id. Entries are never
// mutated after insertion, so concurrent turns share them freely.
type scriptCache struct {
	store   store.Store
	mu      sync.RWMutex
	entries map[string]*cachedScript
}

func newScriptCache(st store.Store) *scriptCache {
	return &scriptCache{store: st, entries: make(map[string]*cachedScript)}
}

// load returns the record and interpreter for id. An empty id yields a nil
// record and an interpreter with no definition.
func (c *scriptCache) load(ctx context.Context, id string) (*models.ScriptRecord, *script.Interpreter, error) {
	if id == "" {
		return nil, script.NewInterpreter(nil), nil
	}
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if ok {
		return e.record, e.interp, nil
	}

	record, err := c.store.GetScript(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return c.put(record)
}

// loadByName resolves a system script by name.
func (c *scriptCache) loadByName(ctx context.Context, name string) (*models.ScriptRecord, *script.Interpreter, error) {
	record, err := c.store.GetScriptByName(ctx, name, "")
	if err != nil {
		return nil, nil, err
	}
	c.mu.RLock()
	e, ok := c.entries[record.ID]
	c.mu.RUnlock()
	if ok {
		return e.record, e.interp, nil
	}
	return c.put(record)
}

func (c *scriptCache) put(record *models.ScriptRecord) (*models.ScriptRecord, *script.Interpreter, error) {
	def, err := script.Parse([]byte(record.Source))
	if err != nil {
		slog.Error("Failed to parse script definition", "error", err, "scriptID", record.ID, "name", record.Name)
		return nil, nil, err
	}
	e := &cachedScript{record: record, interp: script.NewInterpreter(def)}
	c.mu.Lock()
	c.entries[record.ID] = e
	c.mu.Unlock()
	slog.Debug("Script definition cached", "scriptID", record.ID, "name", record.Name, "steps", len(def.StepIDs()))
	return e.record, e.interp, nil
}

func (c *scriptCache) invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

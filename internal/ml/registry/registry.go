// Package registry versions trained models on disk and tracks which model
// is active for each stat.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/stitts-dev/hoops-projections/internal/ml/models"
)

var (
	ErrModelNotFound  = errors.New("model not found")
	ErrDuplicateModel = errors.New("model id already registered")
)

const (
	indexFileName = "registry.json"
	lockFileName  = "registry.lock"
)

// Entry describes one stored model.
type Entry struct {
	ModelID      string            `json:"model_id"`
	Name         string            `json:"model_name"`
	Version      string            `json:"version"`
	Path         string            `json:"storage_path"`
	RegisteredAt time.Time         `json:"registered_at"`
	Stat         string            `json:"target_stat"`
	Tags         map[string]string `json:"tags"`
	Metadata     models.Metadata   `json:"metadata"`
	IsActive     bool              `json:"is_active"`
}

// Comparison is one row of a side-by-side model report.
type Comparison struct {
	ModelID   string         `json:"model_id"`
	Stat      string         `json:"target_stat"`
	Family    string         `json:"family"`
	Metrics   models.Metrics `json:"metrics"`
	TrainedAt time.Time      `json:"trained_at"`
	IsActive  bool           `json:"is_active"`
}

// Registry is a JSON index of entries plus one blob file per model. Every
// mutation holds a file lock on the model dir, re-reads the index and
// rewrites it atomically, so several processes can share one dir.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	lock    *flock.Flock
	entries map[string]*Entry
	logger  *logrus.Entry
	now     func() time.Time
}

type Option func(*Registry)

func WithLogger(logger *logrus.Entry) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the time source used for versions and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New opens the registry in dir, creating it if needed.
func New(dir string, opts ...Option) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model dir: %w", err)
	}
	r := &Registry{
		dir:     dir,
		lock:    flock.New(filepath.Join(dir, lockFileName)),
		entries: map[string]*Entry{},
		logger:  logrus.NewEntry(logrus.StandardLogger()),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh re-reads the index from disk.
func (r *Registry) Refresh() error {
	entries, err := r.readIndex()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

func (r *Registry) readIndex() (map[string]*Entry, error) {
	data, err := os.ReadFile(r.indexPath())
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registry index: %w", err)
	}
	entries := map[string]*Entry{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse registry index: %w", err)
	}
	return entries, nil
}

// mutate runs fn against the current on-disk index while holding both the
// in-process mutex and the model dir lock.
func (r *Registry) mutate(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock model dir: %w", err)
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.WithError(err).Warn("Failed to unlock model dir")
		}
	}()

	entries, err := r.readIndex()
	if err != nil {
		return err
	}
	r.entries = entries
	return fn()
}

// Register stores model under name_version, inactive. An empty version
// becomes the current UTC timestamp, with a numeric suffix when that id is
// already taken. On any failure the index and model dir are left as they
// were.
func (r *Registry) Register(model models.Predictor, name, version string, tags map[string]string) (string, error) {
	now := r.now().UTC()
	explicit := version != ""
	if !explicit {
		version = now.Format(models.VersionLayout)
	}

	blob, err := model.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize model %s_%s: %w", name, version, err)
	}

	var entry *Entry
	err = r.mutate(func() error {
		v := version
		for n := 2; r.entries[name+"_"+v] != nil; n++ {
			if explicit {
				return fmt.Errorf("%w: %s_%s", ErrDuplicateModel, name, v)
			}
			v = fmt.Sprintf("%s_%d", version, n)
		}
		id := name + "_" + v

		path := filepath.Join(r.dir, id+".bin")
		if err := writeAtomic(path, blob); err != nil {
			return fmt.Errorf("failed to write model %s: %w", id, err)
		}

		entry = &Entry{
			ModelID:      id,
			Name:         name,
			Version:      v,
			Path:         path,
			RegisteredAt: now,
			Stat:         model.Stat(),
			Tags:         copyTags(tags),
			Metadata:     model.Metadata(),
		}
		r.entries[id] = entry
		if err := r.saveLocked(); err != nil {
			delete(r.entries, id)
			_ = os.Remove(path)
			return err
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	r.logger.WithFields(logrus.Fields{
		"model_id":  entry.ModelID,
		"stat_type": entry.Stat,
		"family":    entry.Metadata.Family,
	}).Info("Registered model")
	return entry.ModelID, nil
}

// SetActive makes id the only active model for its stat.
func (r *Registry) SetActive(id string) error {
	var stat string
	err := r.mutate(func() error {
		target, ok := r.entries[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrModelNotFound, id)
		}
		stat = target.Stat

		prior := make(map[string]bool, len(r.entries))
		for eid, e := range r.entries {
			prior[eid] = e.IsActive
			if e.Stat == target.Stat {
				e.IsActive = eid == id
			}
		}
		if err := r.saveLocked(); err != nil {
			for eid, active := range prior {
				r.entries[eid].IsActive = active
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{"model_id": id, "stat_type": stat}).Info("Activated model")
	return nil
}

// Load decodes name at version, or its latest version when version is
// empty. Missing or unreadable models are logged and reported as absent.
func (r *Registry) Load(name, version string) (models.Predictor, bool) {
	r.mu.RLock()
	entry := r.resolveLocked(name, version)
	r.mu.RUnlock()
	if entry == nil {
		return nil, false
	}
	return r.decode(entry)
}

// LoadByID decodes a model by its full id.
func (r *Registry) LoadByID(id string) (models.Predictor, bool) {
	r.mu.RLock()
	entry, ok := r.entries[id]
	if ok {
		cp := *entry
		entry = &cp
	}
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.decode(entry)
}

func (r *Registry) decode(entry *Entry) (models.Predictor, bool) {
	log := r.logger.WithField("model_id", entry.ModelID)
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		log.WithError(err).Error("Failed to read model file")
		return nil, false
	}
	p, err := models.Decode(data)
	if err != nil {
		log.WithError(err).Error("Failed to decode model file")
		return nil, false
	}
	return p, true
}

// ActiveEntry returns the active entry for stat, or the most recently
// registered one when none is active.
func (r *Registry) ActiveEntry(stat string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chosen *Entry
	for _, e := range r.entries {
		if e.Stat != stat {
			continue
		}
		if e.IsActive {
			chosen = e
			break
		}
		if chosen == nil || newer(e, chosen) {
			chosen = e
		}
	}
	if chosen == nil {
		return Entry{}, false
	}
	return *chosen, true
}

// ActiveModel decodes the model ActiveEntry selects.
func (r *Registry) ActiveModel(stat string) (Entry, models.Predictor, bool) {
	entry, ok := r.ActiveEntry(stat)
	if !ok {
		return Entry{}, nil, false
	}
	p, ok := r.decode(&entry)
	return entry, p, ok
}

// List returns entries matching stat (if set) and carrying every tag in
// tags, newest first.
func (r *Registry) List(stat string, tags map[string]string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, e := range r.entries {
		if stat != "" && e.Stat != stat {
			continue
		}
		if !hasTags(e.Tags, tags) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return newer(&out[i], &out[j]) })
	return out
}

func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Delete removes the entry and then its blob.
func (r *Registry) Delete(id string) error {
	var path string
	err := r.mutate(func() error {
		entry, ok := r.entries[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrModelNotFound, id)
		}
		delete(r.entries, id)
		if err := r.saveLocked(); err != nil {
			r.entries[id] = entry
			return err
		}
		path = entry.Path
		return nil
	})
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.WithError(err).WithField("model_id", id).Warn("Failed to remove model file")
	}
	return nil
}

// Metrics returns the validation metrics recorded for id.
func (r *Registry) Metrics(id string) (models.Metrics, error) {
	e, ok := r.Get(id)
	if !ok {
		return models.Metrics{}, fmt.Errorf("%w: %s", ErrModelNotFound, id)
	}
	return e.Metadata.Metrics, nil
}

// Compare reports the given models ordered by validation RMSE.
func (r *Registry) Compare(ids []string) ([]Comparison, error) {
	out := make([]Comparison, 0, len(ids))
	for _, id := range ids {
		e, ok := r.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, id)
		}
		out = append(out, Comparison{
			ModelID:   e.ModelID,
			Stat:      e.Stat,
			Family:    e.Metadata.Family,
			Metrics:   e.Metadata.Metrics,
			TrainedAt: e.Metadata.TrainedAt,
			IsActive:  e.IsActive,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Metrics.RMSE < out[j].Metrics.RMSE })
	return out, nil
}

func (r *Registry) resolveLocked(name, version string) *Entry {
	var chosen *Entry
	for _, e := range r.entries {
		if e.Name != name {
			continue
		}
		if version != "" {
			if e.Version == version {
				cp := *e
				return &cp
			}
			continue
		}
		if chosen == nil || newer(e, chosen) {
			chosen = e
		}
	}
	if chosen == nil {
		return nil
	}
	cp := *chosen
	return &cp
}

func (r *Registry) indexPath() string {
	return filepath.Join(r.dir, indexFileName)
}

func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry index: %w", err)
	}
	if err := writeAtomic(r.indexPath(), data); err != nil {
		return fmt.Errorf("failed to write registry index: %w", err)
	}
	return nil
}

// writeAtomic writes through a temp file in the same directory and renames
// it over path.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func newer(a, b *Entry) bool {
	if !a.RegisteredAt.Equal(b.RegisteredAt) {
		return a.RegisteredAt.After(b.RegisteredAt)
	}
	return a.ModelID > b.ModelID
}

func hasTags(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

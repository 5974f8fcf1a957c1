package savestate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/guestmem"
	"github.com/hupe1980/guestmem/blobstore"
)

const (
	slotSuffix = ".gmss"
	currentKey = "CURRENT"
)

// ErrInvalidSlot is returned for empty slot names or names containing '/'.
var ErrInvalidSlot = errors.New("savestate: invalid slot name")

// Slots stores named save states under a prefix of a blob store and keeps a
// pointer to the most recently saved slot. When the store implements
// blobstore.Committer the pointer is swapped with compare-and-swap, so two
// writers racing on the same prefix cannot both believe they won.
type Slots struct {
	store  blobstore.Store
	prefix string
}

// NewSlots creates a slot set stored under prefix. An empty prefix stores
// the slots at the root of the store.
func NewSlots(store blobstore.Store, prefix string) *Slots {
	return &Slots{store: store, prefix: strings.Trim(prefix, "/")}
}

// key places name under the prefix. An empty prefix means the store root.
func (s *Slots) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *Slots) name(slot string) string {
	return s.key(slot + slotSuffix)
}

func (s *Slots) currentName() string {
	return s.key(currentKey)
}

func validSlot(slot string) error {
	if slot == "" || strings.ContainsAny(slot, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidSlot, slot)
	}
	return nil
}

// Save writes a save state into slot and then makes slot current. A failed
// write leaves the previous content of slot and the current pointer intact
// on stores that support aborting uploads.
func (s *Slots) Save(ctx context.Context, slot string, m *guestmem.Manager, tables []Table, opts Options) error {
	if err := validSlot(slot); err != nil {
		return err
	}

	w, err := s.store.Create(ctx, s.name(slot))
	if err != nil {
		return err
	}
	if err := Save(ctx, w, m, tables, opts); err != nil {
		_ = blobstore.Abort(w)
		return err
	}
	if err := w.Sync(); err != nil {
		_ = blobstore.Abort(w)
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	return s.setCurrent(ctx, slot)
}

func (s *Slots) setCurrent(ctx context.Context, slot string) error {
	c, ok := s.store.(blobstore.Committer)
	if !ok {
		return s.store.Put(ctx, s.currentName(), []byte(slot))
	}

	_, version, err := c.Current(ctx, s.currentName())
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return err
	}
	if err := c.Commit(ctx, s.currentName(), version, slot); err != nil {
		return fmt.Errorf("savestate: set current slot %q: %w", slot, err)
	}
	return nil
}

// Current returns the most recently saved slot, or blobstore.ErrNotFound.
func (s *Slots) Current(ctx context.Context) (string, error) {
	if c, ok := s.store.(blobstore.Committer); ok {
		slot, _, err := c.Current(ctx, s.currentName())
		return slot, err
	}

	b, err := s.store.Open(ctx, s.currentName())
	if err != nil {
		return "", err
	}
	defer b.Close()

	r, err := blobstore.NewReader(ctx, b)
	if err != nil {
		return "", err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Load restores slot into m and tables.
func (s *Slots) Load(ctx context.Context, slot string, m *guestmem.Manager, tables []Table, opts Options) error {
	if err := validSlot(slot); err != nil {
		return err
	}

	b, err := s.store.Open(ctx, s.name(slot))
	if err != nil {
		return err
	}
	defer b.Close()

	r, err := blobstore.NewReader(ctx, b)
	if err != nil {
		return err
	}
	defer r.Close()

	return Load(ctx, r, m, tables, opts)
}

// LoadCurrent restores the current slot and returns its name.
func (s *Slots) LoadCurrent(ctx context.Context, m *guestmem.Manager, tables []Table, opts Options) (string, error) {
	slot, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	return slot, s.Load(ctx, slot, m, tables, opts)
}

// List returns the saved slot names in sorted order.
func (s *Slots) List(ctx context.Context) ([]string, error) {
	dir := s.key("")
	names, err := s.store.List(ctx, dir)
	if err != nil {
		return nil, err
	}

	slots := make([]string, 0, len(names))
	for _, n := range names {
		slot, ok := strings.CutSuffix(strings.TrimPrefix(n, dir), slotSuffix)
		if ok && validSlot(slot) == nil {
			slots = append(slots, slot)
		}
	}
	return slots, nil
}

// Delete removes slot. Deleting the current slot leaves a dangling pointer;
// LoadCurrent then fails with blobstore.ErrNotFound.
func (s *Slots) Delete(ctx context.Context, slot string) error {
	if err := validSlot(slot); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.name(slot))
}

// Package tree maps sync addresses onto the remote file layout and back:
//
//	/<root>/<database>/<collection>/<item>.json
//	/<root>/<database>/changed.stamp
//	/<root>/<database>/<collection>/changed.stamp
//
// The mapping is pure string manipulation with no I/O.
package tree

import (
	"fmt"
	"strings"

	"github.com/njoerd114/flatsync/internal/model"
)

const (
	// ItemExt is the suffix of every item blob.
	ItemExt = ".json"

	// StampFile is the sidecar marker holding an epoch-millisecond stamp.
	StampFile = model.MarkerName
)

// Mapper converts between addresses and remote path segments under Root.
type Mapper struct {
	Root string
}

// New returns a Mapper rooted at root. The root must itself be a valid
// segment.
func New(root string) (Mapper, error) {
	if err := model.ValidateSegment(root); err != nil {
		return Mapper{}, fmt.Errorf("%w: app root: %v", model.ErrInvalidAddress, err)
	}
	return Mapper{Root: root}, nil
}

// ToPath returns the remote path segments for addr: the blob path for an
// item, the directory path for a collection or database.
func (m Mapper) ToPath(addr model.Address) ([]string, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	p := []string{m.Root, addr.Database}
	if addr.Collection != "" {
		p = append(p, addr.Collection)
	}
	if addr.Item != "" {
		p = append(p, addr.Item+ItemExt)
	}
	return p, nil
}

// FromPath is the inverse of [Mapper.ToPath].
func (m Mapper) FromPath(segments []string) (model.Address, error) {
	if len(segments) < 2 || len(segments) > 4 {
		return model.Address{}, fmt.Errorf("%w: path %q has %d segments", model.ErrInvalidAddress, Join(segments), len(segments))
	}
	if segments[0] != m.Root {
		return model.Address{}, fmt.Errorf("%w: path %q is outside root %q", model.ErrInvalidAddress, Join(segments), m.Root)
	}

	addr := model.Address{Database: segments[1]}
	if len(segments) >= 3 {
		addr.Collection = segments[2]
	}
	if last := segments[len(segments)-1]; last == StampFile {
		return model.Address{}, fmt.Errorf("%w: %q is a stamp marker", model.ErrInvalidAddress, Join(segments))
	}
	if len(segments) == 4 {
		key, ok := ItemKey(segments[3])
		if !ok {
			return model.Address{}, fmt.Errorf("%w: %q is not an item blob", model.ErrInvalidAddress, segments[3])
		}
		addr.Item = key
	}
	if err := addr.Validate(); err != nil {
		return model.Address{}, err
	}
	return addr, nil
}

// StampPath returns the marker path for a database or collection address.
// Items have no marker of their own; their collection's marker is returned.
func (m Mapper) StampPath(addr model.Address) ([]string, error) {
	if addr.IsItem() {
		addr = addr.Parent()
	}
	dir, err := m.ToPath(addr)
	if err != nil {
		return nil, err
	}
	return append(dir, StampFile), nil
}

// ItemKey maps a blob name listed in a collection directory back to its item
// key. Stamp markers and names without the item extension report false.
func ItemKey(name string) (string, bool) {
	if name == StampFile || !strings.HasSuffix(name, ItemExt) {
		return "", false
	}
	key := strings.TrimSuffix(name, ItemExt)
	if model.ValidateSegment(key) != nil {
		return "", false
	}
	return key, true
}

// Join renders segments as an absolute slash-separated path.
func Join(segments []string) string {
	return "/" + strings.Join(segments, "/")
}

// Split is the inverse of [Join]. Empty components are dropped.
func Split(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/golang/snappy"
	"github.com/janelia-flyem/remotetiles/pix"
)

var (
	metaPrefix  = []byte("meta/")
	planePrefix = []byte("plane/")
)

func metaKey(id pix.ImageID) []byte {
	key := make([]byte, len(metaPrefix)+8)
	copy(key, metaPrefix)
	binary.BigEndian.PutUint64(key[len(metaPrefix):], uint64(id))
	return key
}

func planeKeyBytes(id pix.ImageID, level, z, c, t int) []byte {
	key := make([]byte, len(planePrefix)+8+16)
	n := copy(key, planePrefix)
	binary.BigEndian.PutUint64(key[n:], uint64(id))
	n += 8
	for _, v := range []int{level, z, c, t} {
		binary.BigEndian.PutUint32(key[n:], uint32(v))
		n += 4
	}
	return key
}

// badgerLogger sends badger's log output to the package logger.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{})   { pix.Errorf(format, args...) }
func (badgerLogger) Warningf(format string, args ...interface{}) { pix.Warningf(format, args...) }
func (badgerLogger) Infof(format string, args ...interface{})    { pix.Debugf(format, args...) }
func (badgerLogger) Debugf(format string, args ...interface{})   { pix.Debugf(format, args...) }

// Badger is a Backend persisting images in a BadgerDB.  Planes are stored whole per
// level and compressed with snappy.
type Badger struct {
	directory string
	db        *badger.DB

	mu    sync.Mutex
	metas map[pix.ImageID]*Meta
}

// OpenBadger opens or creates a badger store at path.
func OpenBadger(path string, readOnly bool) (*Badger, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if readOnly {
			return nil, fmt.Errorf("no pixel store at %s", path)
		}
		pix.Infof("Pixel store not already at path (%s). Creating directory...\n", path)
		if err := os.MkdirAll(path, 0744); err != nil {
			return nil, fmt.Errorf("can't make directory at %s: %v", path, err)
		}
	}
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{}).
		WithNumVersionsToKeep(1).
		WithSyncWrites(false).
		WithReadOnly(readOnly)

	pix.Infof("Opening badger @ path %s\n", path)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Badger{
		directory: path,
		db:        db,
		metas:     make(map[pix.ImageID]*Meta),
	}, nil
}

func (b *Badger) String() string {
	return fmt.Sprintf("badger @ %s", b.directory)
}

// Put writes the metadata and every stored plane of an image.
func (b *Badger) Put(id pix.ImageID, img *MemImage) error {
	meta := img.Meta()
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	var stored, compressed int
	for key, plane := range img.planes {
		v := snappy.Encode(nil, plane)
		if err := wb.Set(planeKeyBytes(id, key.level, key.z, key.c, key.t), v); err != nil {
			return err
		}
		stored += len(plane)
		compressed += len(v)
	}
	if err := wb.Set(metaKey(id), metaBytes); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.metas, id)
	b.mu.Unlock()
	pix.Infof("Stored image %d (%s) in %s: %d planes, %d bytes compressed to %d\n",
		id, meta.Info.Name, b, len(img.planes), stored, compressed)
	return nil
}

func (b *Badger) Images() ([]pix.ImageID, error) {
	var ids []pix.ImageID
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // key only
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(metaPrefix); it.ValidForPrefix(metaPrefix); it.Next() {
			key := it.Item().Key()
			ids = append(ids, pix.ImageID(binary.BigEndian.Uint64(key[len(metaPrefix):])))
		}
		return nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

func (b *Badger) get(key []byte) ([]byte, error) {
	var v []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	return v, err
}

func (b *Badger) Open(id pix.ImageID) (Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if meta, found := b.metas[id]; found {
		return &badgerImage{store: b, id: id, meta: meta}, nil
	}
	v, err := b.get(metaKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("image %d: %w", id, ErrImageNotFound)
	}
	if err != nil {
		return nil, err
	}
	meta := new(Meta)
	if err := json.NewDecoder(bytes.NewReader(v)).Decode(meta); err != nil {
		return nil, fmt.Errorf("%w: stored metadata for image %d: %v", pix.ErrCorruptMetadata, id, err)
	}
	b.metas[id] = meta
	return &badgerImage{store: b, id: id, meta: meta}, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	err := b.db.Close()
	pix.Infof("Closed Badger DB @ %s\n", b.directory)
	b.db = nil
	return err
}

type badgerImage struct {
	store *Badger
	id    pix.ImageID
	meta  *Meta
}

func (img *badgerImage) Meta() *Meta {
	return img.meta
}

func (img *badgerImage) Plane(level, z, c, t int, r pix.Rect) ([]byte, error) {
	if err := img.meta.checkRegion(level, z, c, t, r); err != nil {
		return nil, err
	}
	v, err := img.store.get(planeKeyBytes(img.id, level, z, c, t))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("no data for image %d level %d z=%d c=%d t=%d", img.id, level, z, c, t)
	}
	if err != nil {
		return nil, err
	}
	plane, err := snappy.Decode(nil, v)
	if err != nil {
		return nil, fmt.Errorf("image %d level %d: %v", img.id, level, err)
	}
	size := img.meta.Levels[level]
	bps := img.meta.bytesPerSample()
	if len(plane) != size.SizeX*size.SizeY*bps {
		return nil, fmt.Errorf("image %d level %d: stored plane has %d bytes, expected %d",
			img.id, level, len(plane), size.SizeX*size.SizeY*bps)
	}
	return crop(plane, size.SizeX, bps, r), nil
}

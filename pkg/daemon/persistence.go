package daemon

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	hberrors "github.com/hyperbox/hyperboxd/pkg/errors"
	"github.com/hyperbox/hyperboxd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketContainers  = []byte("containers")
	bucketImages      = []byte("images")
	bucketLayers      = []byte("layers")
	bucketCheckpoints = []byte("checkpoints")
	bucketPredictor   = []byte("predictor")
	bucketCounters    = []byte("counters")
	bucketProjects    = []byte("projects")
)

// Store is the daemon's single on-disk source of truth for everything that
// must survive a restart: container/image/layer/checkpoint records, the
// predictor's usage rings, and named monotone counters. Container records
// are saved whole, PID, cgroup path and network namespace path included;
// those runtime fields don't outlive the process that created them, so on
// startup a container loaded as Running or Paused is marked Dead.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) the bbolt database at
// <dataDir>/hyperboxd.db and ensures all buckets exist.
func OpenStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "hyperboxd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "open store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketContainers, bucketImages, bucketLayers, bucketCheckpoints, bucketPredictor, bucketCounters, bucketProjects} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "init buckets")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func putJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return tx.Bucket(bucket).Put(key, data)
}

func getJSON(tx *bolt.Tx, bucket, key []byte, v any) (bool, error) {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// SaveContainer upserts a container's persisted state.
func (s *Store) SaveContainer(st *types.ContainerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketContainers, []byte(st.Id), st)
	})
}

// GetContainer loads a container's persisted state.
func (s *Store) GetContainer(id types.ContainerId) (*types.ContainerState, error) {
	var st types.ContainerState
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketContainers, []byte(id), &st)
		return err
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "get container")
	}
	if !found {
		return nil, hberrors.ErrNotFound("container", id.String())
	}
	return &st, nil
}

// ListContainers returns every persisted container state.
func (s *Store) ListContainers() ([]*types.ContainerState, error) {
	var out []*types.ContainerState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var st types.ContainerState
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, &st)
			return nil
		})
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "list containers")
	}
	return out, nil
}

// DeleteContainer removes a container's persisted state.
func (s *Store) DeleteContainer(id types.ContainerId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(id))
	})
}

// SaveImage upserts an image record keyed by digest.
func (s *Store) SaveImage(img *types.ImageRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketImages, []byte(img.Digest), img)
	})
}

// GetImage loads an image record by digest.
func (s *Store) GetImage(digest string) (*types.ImageRecord, error) {
	var img types.ImageRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketImages, []byte(digest), &img)
		return err
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "get image")
	}
	if !found {
		return nil, hberrors.ErrNotFound("image", digest)
	}
	return &img, nil
}

// ListImages returns every persisted image record.
func (s *Store) ListImages() ([]*types.ImageRecord, error) {
	var out []*types.ImageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).ForEach(func(k, v []byte) error {
			var img types.ImageRecord
			if err := json.Unmarshal(v, &img); err != nil {
				return err
			}
			out = append(out, &img)
			return nil
		})
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "list images")
	}
	return out, nil
}

// DeleteImage removes an image record by digest.
func (s *Store) DeleteImage(digest string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Delete([]byte(digest))
	})
}

// SaveLayer upserts a layer record keyed by digest.
func (s *Store) SaveLayer(layer *types.LayerInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketLayers, []byte(layer.Digest), layer)
	})
}

// GetLayer loads a layer record by digest.
func (s *Store) GetLayer(digest string) (*types.LayerInfo, error) {
	var layer types.LayerInfo
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketLayers, []byte(digest), &layer)
		return err
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "get layer")
	}
	if !found {
		return nil, hberrors.ErrNotFound("layer", digest)
	}
	return &layer, nil
}

// DeleteLayer removes a layer record by digest.
func (s *Store) DeleteLayer(digest string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLayers).Delete([]byte(digest))
	})
}

// SaveCheckpoint upserts a checkpoint record keyed by its ID.
func (s *Store) SaveCheckpoint(rec *types.CheckpointRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketCheckpoints, []byte(rec.ID), rec)
	})
}

// ListCheckpoints returns every persisted checkpoint record.
func (s *Store) ListCheckpoints() ([]*types.CheckpointRecord, error) {
	var out []*types.CheckpointRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(k, v []byte) error {
			var rec types.CheckpointRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "list checkpoints")
	}
	return out, nil
}

// DeleteCheckpoint removes a checkpoint record by ID.
func (s *Store) DeleteCheckpoint(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Delete([]byte(id))
	})
}

// SaveProject upserts a project record keyed by its ID.
func (s *Store) SaveProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketProjects, []byte(p.ID), p)
	})
}

// GetProject loads a project record by ID.
func (s *Store) GetProject(id string) (*types.Project, error) {
	var p types.Project
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx, bucketProjects, []byte(id), &p)
		return err
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "get project")
	}
	if !found {
		return nil, hberrors.ErrNotFound("project", id)
	}
	return &p, nil
}

// ListProjects returns every persisted project record.
func (s *Store) ListProjects() ([]*types.Project, error) {
	var out []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "list projects")
	}
	return out, nil
}

// DeleteProject removes a project record by ID.
func (s *Store) DeleteProject(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).Delete([]byte(id))
	})
}

// SavePredictorState persists the predictor's serialized usage rings under a
// fixed key; the predictor owns its own wire format.
func (s *Store) SavePredictorState(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPredictor).Put([]byte("rings"), data)
	})
}

// LoadPredictorState returns the previously persisted predictor state, or
// nil if none has been saved yet.
func (s *Store) LoadPredictorState() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPredictor).Get([]byte("rings"))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, hberrors.Wrap(hberrors.StorageOp, err, "load predictor state")
	}
	return data, nil
}

// SaveCounter persists a named monotone counter across restarts.
func (s *Store) SaveCounter(name string, value int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCounters).Put([]byte(name), data)
	})
}

// LoadCounter returns a previously saved counter, or (0, false) if absent.
func (s *Store) LoadCounter(name string) (int64, bool, error) {
	var value int64
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCounters).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return 0, false, hberrors.Wrap(hberrors.StorageOp, err, "load counter")
	}
	return value, found, nil
}

package index

import (
	bolt "go.etcd.io/bbolt"
)

// LocationDelta is the change ReconcileLocations applied to the location table
type LocationDelta struct {
	Inserted []string // on disk, not indexed
	Deleted  []string // indexed, not on disk
	Updated  []string // indexed under a different location
}

// Empty reports whether the table already matched the scan
func (d LocationDelta) Empty() bool {
	return len(d.Inserted) == 0 && len(d.Deleted) == 0 && len(d.Updated) == 0
}

// PutLocations records digest -> location pairs
func (x *Index) PutLocations(locations map[string]string) error {
	if len(locations) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		if err := putLocations(tx, locations); err != nil {
			return err
		}
		return touch(tx)
	})
}

func putLocations(tx *bolt.Tx, locations map[string]string) error {
	bucket := tx.Bucket(LocationsBucket)
	if bucket == nil {
		return ErrNotInitialized
	}
	for _, digest := range sortedKeys(locations) {
		if err := bucket.Put([]byte(digest), []byte(locations[digest])); err != nil {
			return err
		}
	}
	return nil
}

// Location returns where the content file of digest lives
func (x *Index) Location(digest string) (string, bool, error) {
	var (
		location string
		found    bool
	)
	err := x.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LocationsBucket)
		if bucket == nil {
			return ErrNotInitialized
		}
		if v := bucket.Get([]byte(digest)); v != nil {
			location, found = string(v), true
		}
		return nil
	})
	return location, found, err
}

// Locations returns the whole location table
func (x *Index) Locations() (map[string]string, error) {
	locations := make(map[string]string)
	err := x.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LocationsBucket)
		if bucket == nil {
			return ErrNotInitialized
		}
		return bucket.ForEach(func(k, v []byte) error {
			locations[string(k)] = string(v)
			return nil
		})
	})
	return locations, err
}

// DeleteLocations removes digests from the location table
func (x *Index) DeleteLocations(digests []string) error {
	if len(digests) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(LocationsBucket)
		if bucket == nil {
			return ErrNotInitialized
		}
		for _, digest := range digests {
			if err := bucket.Delete([]byte(digest)); err != nil {
				return err
			}
		}
		return touch(tx)
	})
}

// ReconcileLocations makes the location table equal to scan in a single
// transaction and returns what changed. Each class is sorted by digest.
func (x *Index) ReconcileLocations(scan map[string]string) (LocationDelta, error) {
	var delta LocationDelta
	err := x.db.Update(func(tx *bolt.Tx) error {
		delta = LocationDelta{}
		bucket := tx.Bucket(LocationsBucket)
		if bucket == nil {
			return ErrNotInitialized
		}

		// bbolt forbids mutating a bucket while iterating it
		err := bucket.ForEach(func(k, v []byte) error {
			digest := string(k)
			location, onDisk := scan[digest]
			switch {
			case !onDisk:
				delta.Deleted = append(delta.Deleted, digest)
			case location != string(v):
				delta.Updated = append(delta.Updated, digest)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, digest := range sortedKeys(scan) {
			if bucket.Get([]byte(digest)) == nil {
				delta.Inserted = append(delta.Inserted, digest)
			}
		}

		for _, digest := range delta.Deleted {
			if err := bucket.Delete([]byte(digest)); err != nil {
				return err
			}
		}
		for _, digests := range [][]string{delta.Inserted, delta.Updated} {
			for _, digest := range digests {
				if err := bucket.Put([]byte(digest), []byte(scan[digest])); err != nil {
					return err
				}
			}
		}

		if delta.Empty() {
			return nil
		}
		return touch(tx)
	})
	if err != nil {
		return LocationDelta{}, err
	}
	return delta, nil
}

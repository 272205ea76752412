package media

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const videoBucket = "videos"

// Cache is a bbolt-backed metadata cache keyed by external video id. It sits
// in front of the provider chain so repeated ADD flows skip upstream fetches.
type Cache struct {
	db      *bbolt.DB
	path    string
	timeout time.Duration
}

func NewCache(path string, timeout time.Duration) (*Cache, error) {
	if path == "" || timeout == 0 {
		return nil, errors.New("invalid parameters. path should not be empty and timeout should be non-zero")
	}

	return &Cache{path: path, timeout: timeout}, nil
}

func (cache *Cache) Open() error {
	err := createDir(filepath.Dir(cache.path))
	if err != nil {
		return err
	}

	conn, err := bbolt.Open(cache.path, 0600, &bbolt.Options{Timeout: cache.timeout})
	if err != nil {
		return err
	}
	cache.db = conn

	return nil
}

func (cache *Cache) Close() error {
	if cache.db == nil {
		return errors.New("cache not initialized. Can not call Close()")
	}
	return cache.db.Close()
}

func (cache *Cache) Delete() error {
	return os.Remove(cache.path)
}

// Video returns the cached metadata for an external id, if present.
func (cache *Cache) Video(externalID string) (Video, bool) {
	var value []byte
	err := cache.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(videoBucket))
		if b == nil {
			return bbolt.ErrBucketNotFound
		}
		value = b.Get([]byte(externalID))

		return nil
	})
	if err != nil || value == nil {
		return Video{}, false
	}

	var video Video
	if err := json.Unmarshal(value, &video); err != nil {
		return Video{}, false
	}

	return video, true
}

func (cache *Cache) PutVideo(video Video) error {
	value, err := json.Marshal(video)
	if err != nil {
		return err
	}

	return cache.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(videoBucket))
		if err != nil {
			return err
		}

		return b.Put([]byte(video.ExternalID), value)
	})
}

func createDir(path string) error {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}

	return err
}

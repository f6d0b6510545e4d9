package store

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

type prefixedStorage struct {
	underlying fiber.Storage
	prefix     string
}

func (p *prefixedStorage) Get(key string) ([]byte, error) {
	return p.underlying.Get(p.prefix + key)
}

func (p *prefixedStorage) Set(key string, val []byte, exp time.Duration) error {
	return p.underlying.Set(p.prefix+key, val, exp)
}

func (p *prefixedStorage) Delete(key string) error {
	return p.underlying.Delete(p.prefix + key)
}

// Reset clears the whole underlying storage, not only the prefixed keys.
func (p *prefixedStorage) Reset() error {
	return p.underlying.Reset()
}

func (p *prefixedStorage) Close() error {
	return p.underlying.Close()
}

func StorageWithPrefix(storage fiber.Storage, prefix string) fiber.Storage {
	return &prefixedStorage{
		underlying: storage,
		prefix:     prefix,
	}
}
